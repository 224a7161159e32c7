// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const requestContextSchema = `
CREATE TABLE IF NOT EXISTS request_context (
	request_id TEXT PRIMARY KEY,
	request_url TEXT,
	linked_tool_use_id TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_context_created_at ON request_context(created_at);
`

// RequestContextStore persists the URL and tool-use linkage a
// response's usage report needs to reference, matching spec §6's
// request_context schema exactly.
type RequestContextStore struct {
	db *DB
}

// NewRequestContextStore ensures the schema exists and returns a store
// bound to db.
func NewRequestContextStore(db *DB) (*RequestContextStore, error) {
	if _, err := db.Exec(requestContextSchema); err != nil {
		return nil, fmt.Errorf("sqlite: init request_context schema: %w", err)
	}
	return &RequestContextStore{db: db}, nil
}

// StoreURL records the upstream URL a request targeted, upserting on
// request_id.
func (s *RequestContextStore) StoreURL(requestID, url string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO request_context (request_id, request_url, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET request_url = excluded.request_url, created_at = excluded.created_at
	`, requestID, url, now.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: store request context for %q: %w", requestID, err)
	}
	return nil
}

// StoreLinkedToolUseID records that requestID's response should be
// attributed to a prior tool_use id, upserting on request_id.
func (s *RequestContextStore) StoreLinkedToolUseID(requestID, linkedToolUseID string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO request_context (request_id, linked_tool_use_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET linked_tool_use_id = excluded.linked_tool_use_id, created_at = excluded.created_at
	`, requestID, linkedToolUseID, now.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: store linked tool use id for %q: %w", requestID, err)
	}
	return nil
}

// LinkedToolUseID implements usage.RequestContextLookup: it looks up
// (without clearing) the tool-use id linked to requestID, if any.
func (s *RequestContextStore) LinkedToolUseID(requestID string) (string, bool) {
	var linked sql.NullString
	err := s.db.Get(&linked, `SELECT linked_tool_use_id FROM request_context WHERE request_id = ?`, requestID)
	if err != nil || !linked.Valid || linked.String == "" {
		return "", false
	}
	return linked.String, true
}

// RetrieveAndClear returns the URL and linked tool-use id stored for
// requestID, then deletes the row, mirroring the original's
// retrieve_and_clear_context: context is consumed exactly once.
func (s *RequestContextStore) RetrieveAndClear(requestID string) (url, linkedToolUseID string, err error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return "", "", fmt.Errorf("sqlite: begin retrieve_and_clear: %w", err)
	}
	defer tx.Rollback()

	var row struct {
		RequestURL      sql.NullString `db:"request_url"`
		LinkedToolUseID sql.NullString `db:"linked_tool_use_id"`
	}
	getErr := tx.Get(&row, `SELECT request_url, linked_tool_use_id FROM request_context WHERE request_id = ?`, requestID)
	if getErr != nil && !errors.Is(getErr, sql.ErrNoRows) {
		return "", "", fmt.Errorf("sqlite: query request context for %q: %w", requestID, getErr)
	}

	if _, delErr := tx.Exec(`DELETE FROM request_context WHERE request_id = ?`, requestID); delErr != nil {
		return "", "", fmt.Errorf("sqlite: clear request context for %q: %w", requestID, delErr)
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("sqlite: commit retrieve_and_clear: %w", err)
	}

	return row.RequestURL.String, row.LinkedToolUseID.String, nil
}

// CleanupOlderThan deletes request_context rows older than maxAge,
// relative to now, returning the number of rows removed.
func (s *RequestContextStore) CleanupOlderThan(maxAge time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-maxAge).Unix()
	if cutoff < 0 {
		cutoff = 0
	}
	res, err := s.db.Exec(`DELETE FROM request_context WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup request_context: %w", err)
	}
	return res.RowsAffected()
}

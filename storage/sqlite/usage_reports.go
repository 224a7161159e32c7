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
	"encoding/json"
	"fmt"

	"github.com/reveries-network/node/usage"
)

const usageReportsSchema = `
CREATE TABLE IF NOT EXISTS usage_reports (
	request_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	received_at TEXT DEFAULT (datetime('now')),
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cache_creation_tokens INTEGER,
	cache_read_tokens INTEGER,
	tool_id TEXT,
	tool_name TEXT,
	tool_input TEXT,
	tool_type TEXT,
	linked_tool_id TEXT,
	reverie_id TEXT,
	spender_address TEXT,
	spender_type TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_reports_timestamp ON usage_reports(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_reports_tool_id ON usage_reports(tool_id);
CREATE INDEX IF NOT EXISTS idx_usage_reports_linked_tool_id ON usage_reports(linked_tool_id);
CREATE INDEX IF NOT EXISTS idx_usage_reports_reverie_id ON usage_reports(reverie_id);
CREATE INDEX IF NOT EXISTS idx_usage_reports_spender_address ON usage_reports(spender_address);
`

// Attribution carries the reverie/spender linkage the node attaches
// to a report at storage time — the usage pipeline (C10/C11) itself
// never learns the reverie a credential belongs to, only the node
// does (via the credential delegation it performed in C8), so this is
// supplied by the caller rather than read off ReportPayload.
type Attribution struct {
	ReverieID      string
	SpenderAddress string
	SpenderType    string
}

// UsageReportStore persists verified usage reports, matching spec
// §6's usage_reports schema exactly.
type UsageReportStore struct {
	db *DB
}

// NewUsageReportStore ensures the schema exists and returns a store
// bound to db.
func NewUsageReportStore(db *DB) (*UsageReportStore, error) {
	if _, err := db.Exec(usageReportsSchema); err != nil {
		return nil, fmt.Errorf("sqlite: init usage_reports schema: %w", err)
	}
	return &UsageReportStore{db: db}, nil
}

// Store inserts a verified usage report payload together with its
// node-supplied attribution.
func (s *UsageReportStore) Store(payload usage.ReportPayload, attr Attribution) error {
	var toolID, toolName, toolInput, toolType sql.NullString
	if payload.Usage.ToolUse != nil {
		tu := payload.Usage.ToolUse
		toolID = sql.NullString{String: tu.ID, Valid: true}
		toolName = sql.NullString{String: tu.Name, Valid: true}
		toolType = sql.NullString{String: tu.ToolType, Valid: true}
		if len(tu.Input) > 0 {
			toolInput = sql.NullString{String: string(tu.Input), Valid: true}
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO usage_reports (
			request_id, timestamp, input_tokens, output_tokens,
			cache_creation_tokens, cache_read_tokens,
			tool_id, tool_name, tool_input, tool_type, linked_tool_id,
			reverie_id, spender_address, spender_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		payload.RequestID, payload.Timestamp, payload.Usage.InputTokens, payload.Usage.OutputTokens,
		nullableUint64(payload.Usage.CacheCreationTokens), nullableUint64(payload.Usage.CacheReadTokens),
		toolID, toolName, toolInput, toolType, nullableString(payload.LinkedToolUseID),
		nullableString(attr.ReverieID), nullableString(attr.SpenderAddress), nullableString(attr.SpenderType),
	)
	if err != nil {
		return fmt.Errorf("sqlite: store usage report for %q: %w", payload.RequestID, err)
	}
	return nil
}

// ForReverie returns all usage reports attributed to reverieID,
// newest first.
func (s *UsageReportStore) ForReverie(reverieID string) ([]usage.ReportPayload, error) {
	type row struct {
		RequestID           string         `db:"request_id"`
		Timestamp           int64          `db:"timestamp"`
		InputTokens         uint64         `db:"input_tokens"`
		OutputTokens        uint64         `db:"output_tokens"`
		CacheCreationTokens sql.NullInt64  `db:"cache_creation_tokens"`
		CacheReadTokens     sql.NullInt64  `db:"cache_read_tokens"`
		ToolID              sql.NullString `db:"tool_id"`
		ToolName            sql.NullString `db:"tool_name"`
		ToolInput           sql.NullString `db:"tool_input"`
		ToolType            sql.NullString `db:"tool_type"`
		LinkedToolID        sql.NullString `db:"linked_tool_id"`
	}

	var rows []row
	err := s.db.Select(&rows, `
		SELECT request_id, timestamp, input_tokens, output_tokens,
		       cache_creation_tokens, cache_read_tokens,
		       tool_id, tool_name, tool_input, tool_type, linked_tool_id
		FROM usage_reports
		WHERE reverie_id = ?
		ORDER BY timestamp DESC
	`, reverieID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query usage reports for reverie %q: %w", reverieID, err)
	}

	out := make([]usage.ReportPayload, 0, len(rows))
	for _, r := range rows {
		data := usage.Data{InputTokens: r.InputTokens, OutputTokens: r.OutputTokens}
		if r.CacheCreationTokens.Valid {
			v := uint64(r.CacheCreationTokens.Int64)
			data.CacheCreationTokens = &v
		}
		if r.CacheReadTokens.Valid {
			v := uint64(r.CacheReadTokens.Int64)
			data.CacheReadTokens = &v
		}
		if r.ToolID.Valid {
			tu := usage.ToolUse{ID: r.ToolID.String, Name: r.ToolName.String, ToolType: r.ToolType.String}
			if r.ToolInput.Valid {
				tu.Input = json.RawMessage(r.ToolInput.String)
			}
			data.ToolUse = &tu
		}
		out = append(out, usage.ReportPayload{
			Usage:           data,
			Timestamp:       r.Timestamp,
			RequestID:       r.RequestID,
			LinkedToolUseID: r.LinkedToolID.String,
		})
	}
	return out, nil
}

func nullableUint64(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

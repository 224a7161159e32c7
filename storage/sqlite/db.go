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

// Package sqlite persists the two pieces of node-local state the LLM
// proxy's usage pipeline (C10/C11) needs durably: which URL and
// linked tool-use id a pending request belongs to, and the verified
// usage reports submitted back by the proxy.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// MemoryDSN opens an in-memory database, for tests and non-persistent
// deployments — the original implementation's own "db_path: None"
// mode.
const MemoryDSN = ":memory:"

// DB aliases sqlx.DB so package-local store types can name the
// connection pool without every caller importing sqlx directly.
type DB = sqlx.DB

// Open opens (creating parent directories as needed) a SQLite
// database at path, or an in-memory database when path is
// MemoryDSN/empty, and applies the node's standard pragmas.
func Open(path string) (*sqlx.DB, error) {
	if path != "" && path != MemoryDSN {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create db directory %q: %w", dir, err)
			}
		}
	} else {
		path = MemoryDSN
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

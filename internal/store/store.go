// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides the narrow database contract consumed by the
// runtime: an embedded SQLite backend for single-node deployments and a
// PostgreSQL backend for clustered ones. All persistent components share
// the same handful of named tables created by the embedded migration
// runner.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Dialect identifies the backing database engine.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// TimeLayout is the canonical timestamp encoding. Fixed-width fractional
// seconds keep lexicographic order equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps a database handle with dialect-aware helpers.
// Queries are written with `?` placeholders and passed through Rebind.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// DB exposes the underlying handle for components that manage their own
// statements.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the backing engine.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// SupportsSkipLocked reports whether the claim path can use
// FOR UPDATE SKIP LOCKED. SQLite serializes writers instead.
func (s *Store) SupportsSkipLocked() bool {
	return s.dialect == DialectPostgres
}

// Rebind converts `?` placeholders to the dialect's bind format.
func (s *Store) Rebind(query string) string {
	return s.db.Rebind(query)
}

// InTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsUniqueViolation detects unique-constraint failures across both
// backends without importing driver-specific error types.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// FormatTime encodes t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FormatNullTime encodes t, or returns nil for a NULL column value.
func FormatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// ParseTime decodes a canonical timestamp. RFC3339 values written by
// older rows parse as well.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ParseNullTime decodes a nullable timestamp column.
func ParseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// NullString returns nil if s is empty, otherwise s.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// StringOrEmpty unwraps a nullable text column.
func StringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

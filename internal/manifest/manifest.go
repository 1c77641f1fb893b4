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

// Package manifest records per-partition stage progression so pipelines can
// restart idempotently: IsAtLeast gates re-processing, and advancement never
// regresses unless ResetTo is invoked explicitly.
package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/store"
	"github.com/spinedata/spine/pkg/errors"
)

// Entry is one row of stage progress for a partition.
type Entry struct {
	Domain       string         `json:"domain"`
	PartitionKey string         `json:"partition_key"`
	Stage        string         `json:"stage"`
	StageRank    int            `json:"stage_rank"`
	RowCount     int64          `json:"row_count"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Manifest tracks stage progression per (domain, partition).
type Manifest struct {
	store  *store.Store
	clock  ident.Clock
	stages map[string][]string
}

// New creates a manifest over the given store.
func New(s *store.Store, clock ident.Clock) *Manifest {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	return &Manifest{store: s, clock: clock, stages: make(map[string][]string)}
}

// RegisterStages declares the ordered stage list for a domain. The rank of
// a stage is its index in the list.
func (m *Manifest) RegisterStages(domain string, stages []string) {
	m.stages[domain] = stages
}

// Rank returns the rank of a stage within its domain's ordered list.
func (m *Manifest) Rank(domain, stage string) (int, error) {
	for i, s := range m.stages[domain] {
		if s == stage {
			return i, nil
		}
	}
	return 0, errors.Newf(errors.CategoryValidation, "unknown stage %q in domain %q", stage, domain)
}

// PartitionKey serialises a structured partition deterministically.
// encoding/json sorts map keys, so equal partitions encode identically.
func PartitionKey(partition map[string]any) (string, error) {
	data, err := json.Marshal(partition)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryParse, "encoding partition key")
	}
	return string(data), nil
}

// Advance records that the partition reached the given stage. Re-recording
// an already-reached stage refreshes its row; it never regresses progress.
func (m *Manifest) Advance(ctx context.Context, domain string, partition map[string]any, stage string, rowCount int64, metrics map[string]any) error {
	rank, err := m.Rank(domain, stage)
	if err != nil {
		return err
	}
	key, err := PartitionKey(partition)
	if err != nil {
		return err
	}

	var metricsArg any
	if len(metrics) > 0 {
		metricsJSON, err := json.Marshal(metrics)
		if err != nil {
			return errors.Wrap(err, errors.CategoryParse, "encoding metrics")
		}
		metricsArg = string(metricsJSON)
	}

	query := m.store.Rebind(`
		INSERT INTO manifest (domain, partition_key, stage, stage_rank, row_count, metrics, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, partition_key, stage) DO UPDATE SET
			row_count = excluded.row_count,
			metrics = excluded.metrics,
			updated_at = excluded.updated_at`)
	_, err = m.store.DB().ExecContext(ctx, query,
		domain, key, stage, rank, rowCount, metricsArg, store.FormatTime(m.clock.Now()))
	if err != nil {
		return errors.Database(err, "advancing manifest")
	}
	return nil
}

// IsAtLeast reports whether the partition has reached the given stage:
// true iff a row exists with stage_rank >= rank(stage). Idempotent.
func (m *Manifest) IsAtLeast(ctx context.Context, domain string, partition map[string]any, stage string) (bool, error) {
	rank, err := m.Rank(domain, stage)
	if err != nil {
		return false, err
	}
	key, err := PartitionKey(partition)
	if err != nil {
		return false, err
	}

	var maxRank sql.NullInt64
	query := m.store.Rebind(`
		SELECT MAX(stage_rank) FROM manifest WHERE domain = ? AND partition_key = ?`)
	if err := m.store.DB().QueryRowContext(ctx, query, domain, key).Scan(&maxRank); err != nil {
		return false, errors.Database(err, "reading manifest rank")
	}
	return maxRank.Valid && int(maxRank.Int64) >= rank, nil
}

// ResetTo forces the partition back to the given stage for reprocessing:
// rows above the target rank are removed and a superseding row is written
// at the target with a fresh timestamp.
func (m *Manifest) ResetTo(ctx context.Context, domain string, partition map[string]any, stage string) error {
	rank, err := m.Rank(domain, stage)
	if err != nil {
		return err
	}
	key, err := PartitionKey(partition)
	if err != nil {
		return err
	}

	return m.store.InTx(ctx, func(tx *sqlx.Tx) error {
		del := m.store.Rebind(`
			DELETE FROM manifest WHERE domain = ? AND partition_key = ? AND stage_rank > ?`)
		if _, err := tx.ExecContext(ctx, del, domain, key, rank); err != nil {
			return errors.Database(err, "removing later stages")
		}

		upsert := m.store.Rebind(`
			INSERT INTO manifest (domain, partition_key, stage, stage_rank, row_count, metrics, updated_at)
			VALUES (?, ?, ?, ?, 0, NULL, ?)
			ON CONFLICT (domain, partition_key, stage) DO UPDATE SET
				updated_at = excluded.updated_at`)
		if _, err := tx.ExecContext(ctx, upsert,
			domain, key, stage, rank, store.FormatTime(m.clock.Now())); err != nil {
			return errors.Database(err, "resetting manifest stage")
		}
		return nil
	})
}

// List returns all entries for a domain, optionally narrowed to one
// partition, ordered by partition then rank.
func (m *Manifest) List(ctx context.Context, domain string, partition map[string]any) ([]*Entry, error) {
	query := `
		SELECT domain, partition_key, stage, stage_rank, row_count, metrics, updated_at
		FROM manifest WHERE domain = ?`
	args := []any{domain}

	if partition != nil {
		key, err := PartitionKey(partition)
		if err != nil {
			return nil, err
		}
		query += " AND partition_key = ?"
		args = append(args, key)
	}
	query += " ORDER BY partition_key, stage_rank"

	rows, err := m.store.DB().QueryContext(ctx, m.store.Rebind(query), args...)
	if err != nil {
		return nil, errors.Database(err, "listing manifest entries")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e         Entry
			metrics   sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&e.Domain, &e.PartitionKey, &e.Stage, &e.StageRank,
			&e.RowCount, &metrics, &updatedAt); err != nil {
			return nil, errors.Database(err, "scanning manifest entry")
		}
		if metrics.Valid && metrics.String != "" {
			if err := json.Unmarshal([]byte(metrics.String), &e.Metrics); err != nil {
				return nil, errors.Wrap(err, errors.CategoryParse, "decoding metrics")
			}
		}
		e.UpdatedAt, err = store.ParseTime(updatedAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryParse, "parsing updated_at")
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

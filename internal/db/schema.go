package db

import (
	"context"
	"fmt"
)

// Every statement must stay safe to re-run against an initialized database.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS members (
		id BIGINT PRIMARY KEY,
		latest_time_stamp TIMESTAMPTZ NOT NULL,
		sample_count INTEGER NOT NULL CHECK (sample_count >= 1),
		avg_hr DOUBLE PRECISION NOT NULL,
		speed DOUBLE PRECISION NOT NULL,
		distance DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS studios (
		id BIGINT PRIMARY KEY,
		start_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS studio_members (
		studio_id BIGINT NOT NULL REFERENCES studios(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		member_id BIGINT NOT NULL REFERENCES members(id) DEFERRABLE INITIALLY DEFERRED,
		PRIMARY KEY (studio_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_studio_members_member ON studio_members(member_id)`,
}

// EnsureSchema creates the tables the studio store needs. Calling it on an
// already initialized database is a no-op.
func EnsureSchema(ctx context.Context, q Querier) error {
	for i, stmt := range schemaStatements {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

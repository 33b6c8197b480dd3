package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/rafaelfvalim/api-rele/internal/relay"
	"github.com/rafaelfvalim/api-rele/internal/schedule"
)

// PostgresStore persists relay state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed relay store.
func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema() error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS relaycontrol`,
		`CREATE TABLE IF NOT EXISTS relaycontrol.relays (
			relay_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			schedule JSONB NOT NULL,
			override JSONB,
			desired TEXT NOT NULL,
			last_applied TEXT NOT NULL,
			last_seen TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relaycontrol.reports (
			report_id TEXT PRIMARY KEY,
			relay_id TEXT NOT NULL REFERENCES relaycontrol.relays(relay_id) ON DELETE CASCADE,
			applied TEXT NOT NULL,
			source TEXT NOT NULL,
			reported_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS reports_relay_idx
			ON relaycontrol.reports (relay_id, reported_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to ensure relay schema: %w", err)
		}
	}

	return nil
}

// SaveRelay stores or updates a relay record.
func (s *PostgresStore) SaveRelay(ctx context.Context, r *relay.Relay) error {
	scheduleJSON, err := json.Marshal(r.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	var overrideJSON []byte
	if r.Override != nil {
		overrideJSON, err = json.Marshal(r.Override)
		if err != nil {
			return fmt.Errorf("failed to marshal override: %w", err)
		}
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	var lastSeen interface{}
	if r.LastSeen != nil {
		lastSeen = r.LastSeen.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relaycontrol.relays (
			relay_id, name, schedule, override, desired,
			last_applied, last_seen, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (relay_id) DO UPDATE
		SET name = EXCLUDED.name,
		    schedule = EXCLUDED.schedule,
		    override = EXCLUDED.override,
		    desired = EXCLUDED.desired,
		    last_applied = EXCLUDED.last_applied,
		    last_seen = EXCLUDED.last_seen,
		    updated_at = NOW()
	`, r.RelayID, r.Name, scheduleJSON, overrideJSON, string(r.Desired),
		string(r.LastApplied), lastSeen, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert relay: %w", err)
	}

	return nil
}

// GetRelay retrieves a relay by identifier.
func (s *PostgresStore) GetRelay(ctx context.Context, relayID string) (*relay.Relay, error) {
	var (
		r            relay.Relay
		scheduleJSON []byte
		overrideJSON []byte
		desired      string
		lastApplied  string
		lastSeen     sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT relay_id, name, schedule, override, desired,
		       last_applied, last_seen, created_at, updated_at
		FROM relaycontrol.relays
		WHERE relay_id = $1
	`, relayID).Scan(
		&r.RelayID,
		&r.Name,
		&scheduleJSON,
		&overrideJSON,
		&desired,
		&lastApplied,
		&lastSeen,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrRelayNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query relay: %w", err)
	}

	if err := json.Unmarshal(scheduleJSON, &r.Schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	if len(overrideJSON) > 0 {
		var override schedule.Override
		if err := json.Unmarshal(overrideJSON, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal override: %w", err)
		}
		r.Override = &override
	}
	r.Desired = schedule.State(desired)
	r.LastApplied = schedule.State(lastApplied)
	if lastSeen.Valid {
		seen := lastSeen.Time
		r.LastSeen = &seen
	}

	return &r, nil
}

// GetRelayByName retrieves a relay by its human-readable name. When
// several relays share a name the lowest relay ID wins.
func (s *PostgresStore) GetRelayByName(ctx context.Context, name string) (*relay.Relay, error) {
	var relayID string

	err := s.db.QueryRowContext(ctx, `
		SELECT relay_id
		FROM relaycontrol.relays
		WHERE name = $1
		ORDER BY relay_id
		LIMIT 1
	`, name).Scan(&relayID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrRelayNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query relay by name: %w", err)
	}

	return s.GetRelay(ctx, relayID)
}

// ListRelays returns all registered relays ordered by identifier.
func (s *PostgresStore) ListRelays(ctx context.Context) ([]*relay.Relay, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relay_id
		FROM relaycontrol.relays
		ORDER BY relay_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query relays: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan relay row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relay rows: %w", err)
	}

	relays := make([]*relay.Relay, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRelay(ctx, id)
		if err != nil {
			return nil, err
		}
		relays = append(relays, r)
	}
	return relays, nil
}

// UpdateDesired persists a relay's evaluated desired state.
func (s *PostgresStore) UpdateDesired(ctx context.Context, relayID string, desired schedule.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relaycontrol.relays
		SET desired = $2,
		    updated_at = NOW()
		WHERE relay_id = $1
	`, relayID, string(desired))
	if err != nil {
		return fmt.Errorf("failed to update desired state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return relay.ErrRelayNotFound
	}

	return err
}

// RecordReport appends a device report and refreshes the relay's
// last_applied and last_seen columns in one transaction.
func (s *PostgresStore) RecordReport(ctx context.Context, report *relay.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE relaycontrol.relays
		SET last_applied = $2,
		    last_seen = $3,
		    updated_at = NOW()
		WHERE relay_id = $1
	`, report.RelayID, string(report.Applied), report.ReportedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update relay from report: %w", err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return relay.ErrRelayNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO relaycontrol.reports (report_id, relay_id, applied, source, reported_at)
		VALUES ($1, $2, $3, $4, $5)
	`, report.ReportID, report.RelayID, string(report.Applied), report.Source, report.ReportedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}

	return nil
}

// SetOverride stores or clears a relay's manual override.
func (s *PostgresStore) SetOverride(ctx context.Context, relayID string, override *schedule.Override) error {
	var overrideJSON []byte
	if override != nil {
		var err error
		overrideJSON, err = json.Marshal(override)
		if err != nil {
			return fmt.Errorf("failed to marshal override: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE relaycontrol.relays
		SET override = $2,
		    updated_at = NOW()
		WHERE relay_id = $1
	`, relayID, overrideJSON)
	if err != nil {
		return fmt.Errorf("failed to update override: %w", err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return relay.ErrRelayNotFound
	}

	return err
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

const saveQueueSize = 64

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	adapter TEXT NOT NULL,
	snapshot TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS launcher_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	state TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);
`

// SQLStore persists snapshots to SQLite or PostgreSQL. Asynchronous saves
// funnel through a single writer goroutine; only the newest snapshot per
// session survives queue pressure.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *logger.Logger

	saves chan *SessionSnapshot
	done  chan struct{}
}

// Open creates the store for the configured driver and applies the schema.
func Open(cfg config.StorageConfig, log *logger.Logger) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
	case "sqlite", "":
		db, err = OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &SQLStore{
		db:     db,
		driver: cfg.Driver,
		logger: log,
		saves:  make(chan *SessionSnapshot, saveQueueSize),
		done:   make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writer()
	return s, nil
}

func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// writer drains the save queue. Bursts for the same session collapse to
// the newest snapshot before anything hits the database.
func (s *SQLStore) writer() {
	for {
		select {
		case snap := <-s.saves:
			pending := map[string]*SessionSnapshot{snap.ID: snap}
			for drained := false; !drained; {
				select {
				case next := <-s.saves:
					pending[next.ID] = next
				default:
					drained = true
				}
			}
			for _, p := range pending {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.upsert(ctx, p); err != nil {
					s.logger.WithSessionID(p.ID).Error("failed to persist session snapshot", zap.Error(err))
				}
				cancel()
			}
		case <-s.done:
			return
		}
	}
}

// Save enqueues a snapshot for the writer goroutine. On a full queue the
// snapshot is dropped; the next state change re-enqueues a fresher one.
func (s *SQLStore) Save(snapshot *SessionSnapshot) {
	select {
	case s.saves <- snapshot:
	case <-s.done:
	default:
		s.logger.WithSessionID(snapshot.ID).Warn("save queue full, dropping snapshot")
	}
}

// SaveSync writes the snapshot before returning.
func (s *SQLStore) SaveSync(ctx context.Context, snapshot *SessionSnapshot) error {
	return s.upsert(ctx, snapshot)
}

func (s *SQLStore) upsert(ctx context.Context, snap *SessionSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	query := s.db.Rebind(`
		INSERT INTO sessions (id, adapter, snapshot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			adapter = excluded.adapter,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, snap.ID, snap.AdapterName, string(payload), snap.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// LoadAll returns every persisted snapshot ordered by last update.
func (s *SQLStore) LoadAll(ctx context.Context) ([]*SessionSnapshot, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT snapshot FROM sessions ORDER BY updated_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var snapshots []*SessionSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		var snap SessionSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			s.logger.Warn("skipping corrupt session snapshot", zap.Error(err))
			continue
		}
		snapshots = append(snapshots, &snap)
	}
	return snapshots, rows.Err()
}

// Remove deletes one persisted session.
func (s *SQLStore) Remove(ctx context.Context, sessionID string) error {
	query := s.db.Rebind("DELETE FROM sessions WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// SaveLauncherState replaces the single launcher registry row.
func (s *SQLStore) SaveLauncherState(ctx context.Context, state *LauncherState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode launcher state: %w", err)
	}
	query := s.db.Rebind(`
		INSERT INTO launcher_state (id, state, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, string(payload), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save launcher state: %w", err)
	}
	return nil
}

// LoadLauncherState returns the persisted registry image, or an empty one
// when nothing has been saved yet.
func (s *SQLStore) LoadLauncherState(ctx context.Context) (*LauncherState, error) {
	var payload string
	err := s.db.QueryRowxContext(ctx, "SELECT state FROM launcher_state WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return &LauncherState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load launcher state: %w", err)
	}
	var state LauncherState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("failed to decode launcher state: %w", err)
	}
	return &state, nil
}

// Close stops the writer and closes the database. Queued saves still in
// the channel are flushed synchronously first.
func (s *SQLStore) Close(ctx context.Context) error {
	close(s.done)
	for {
		select {
		case snap := <-s.saves:
			if err := s.upsert(ctx, snap); err != nil {
				s.logger.WithSessionID(snap.ID).Error("failed to flush snapshot on close", zap.Error(err))
			}
			continue
		default:
		}
		break
	}
	if s.driver != "postgres" {
		// Lets SQLite refresh query planner statistics before shutdown.
		if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			s.logger.Warn("failed to optimize database", zap.Error(err))
		}
	}
	return s.db.Close()
}

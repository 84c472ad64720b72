// Package store persists run configurations, the image work queue and run
// results in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	planogram "github.com/vivaneiona/genkit-planogram"
)

var (
	// ErrNoWork is returned by Lease when no item is pending.
	ErrNoWork = errors.New("no pending work")
	// ErrNotFound is returned when a config or result does not exist.
	ErrNotFound = errors.New("not found")
)

// QueueItem is one shelf image waiting to be extracted.
type QueueItem struct {
	ID        string
	System    string
	ImagePath string
	Status    planogram.Status
	CreatedAt time.Time
}

// Store is the sqlite storage collaborator. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY under
	// concurrent workers.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveConfig stores cfg under its system name, replacing any previous one.
func (s *Store) SaveConfig(ctx context.Context, cfg *planogram.RunConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_configs (system, config_json, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT(system) DO UPDATE SET config_json = excluded.config_json, updated_ts = excluded.updated_ts
	`, cfg.System, string(b), s.now().Unix())
	if err != nil {
		return fmt.Errorf("save config %s: %w", cfg.System, err)
	}
	return nil
}

// LoadConfig returns the configuration stored for system.
func (s *Store) LoadConfig(ctx context.Context, system string) (*planogram.RunConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT config_json FROM run_configs WHERE system = ?", system).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config %s: %w", system, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", system, err)
	}
	return planogram.DecodeRunConfig([]byte(raw))
}

// Enqueue adds an image for system and returns the queue item id.
func (s *Store) Enqueue(ctx context.Context, system, imagePath string) (string, error) {
	id := uuid.NewString()
	ts := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, system, image_path, status, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, system, imagePath, string(planogram.StatusPending), ts, ts)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", imagePath, err)
	}
	return id, nil
}

// Lease moves the oldest pending item to processing and returns it.
func (s *Store) Lease(ctx context.Context) (*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		item    QueueItem
		created int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, system, image_path, created_ts FROM queue_items
		WHERE status = ? ORDER BY created_ts, rowid LIMIT 1
	`, string(planogram.StatusPending)).Scan(&item.ID, &item.System, &item.ImagePath, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE queue_items SET status = ?, updated_ts = ? WHERE id = ?",
		string(planogram.StatusProcessing), s.now().Unix(), item.ID); err != nil {
		return nil, fmt.Errorf("lease %s: %w", item.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease %s: %w", item.ID, err)
	}
	item.Status = planogram.StatusProcessing
	item.CreatedAt = time.Unix(created, 0)
	return &item, nil
}

// SaveResult records the terminal result of a queue item's run and moves the
// item to the run's status.
func (s *Store) SaveResult(ctx context.Context, itemID string, res *planogram.RunResult) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("save result %s: status %q is not terminal", itemID, res.Status)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, "UPDATE queue_items SET status = ?, updated_ts = ? WHERE id = ?",
		string(res.Status), s.now().Unix(), itemID)
	if err != nil {
		return fmt.Errorf("save result %s: %w", itemID, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %s: %w", itemID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_results (item_id, run_id, status, final_accuracy, iterations_completed, total_cost, reason, result_json, finished_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			run_id = excluded.run_id, status = excluded.status, final_accuracy = excluded.final_accuracy,
			iterations_completed = excluded.iterations_completed, total_cost = excluded.total_cost,
			reason = excluded.reason, result_json = excluded.result_json, finished_ts = excluded.finished_ts
	`, itemID, res.ID, string(res.Status), res.FinalAccuracy, res.IterationsCompleted, res.TotalCost,
		res.Reason, string(b), res.FinishedAt.Unix()); err != nil {
		return fmt.Errorf("save result %s: %w", itemID, err)
	}
	return tx.Commit()
}

// Result returns the stored result of a queue item.
func (s *Store) Result(ctx context.Context, itemID string) (*planogram.RunResult, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT result_json FROM run_results WHERE item_id = ?", itemID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", itemID, err)
	}
	var res planogram.RunResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", itemID, err)
	}
	return &res, nil
}

// Stats counts queue items per status.
func (s *Store) Stats(ctx context.Context) (map[planogram.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM queue_items GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	out := map[planogram.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		out[planogram.Status(status)] = n
	}
	return out, rows.Err()
}

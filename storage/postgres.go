package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/songzhibin97/workflow-collab/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_graphs (
	workflow_id TEXT PRIMARY KEY,
	graph       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS dispatch_tasks (
	task_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	task       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// PostgresStorage stores graphs and tasks as JSONB rows.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to dsn and verifies the connection.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create Postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// SaveGraph upserts a graph snapshot.
func (s *PostgresStorage) SaveGraph(ctx context.Context, workflowID string, g *types.Graph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal graph %s: %w", workflowID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_graphs (workflow_id, graph, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (workflow_id) DO UPDATE SET graph = EXCLUDED.graph, updated_at = NOW()`,
		workflowID, data)
	if err != nil {
		return fmt.Errorf("failed to save graph %s: %w", workflowID, err)
	}
	return nil
}

// GetGraph loads a graph snapshot.
func (s *PostgresStorage) GetGraph(ctx context.Context, workflowID string) (*types.Graph, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT graph FROM workflow_graphs WHERE workflow_id = $1`, workflowID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%s", ErrGraphNotFound, workflowID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get graph %s: %w", workflowID, err)
	}
	g := types.NewGraph()
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph %s: %w", workflowID, err)
	}
	return g, nil
}

// SaveTask upserts a task record.
func (s *PostgresStorage) SaveTask(ctx context.Context, task types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dispatch_tasks (task_id, status, task, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (task_id) DO UPDATE SET status = EXCLUDED.status, task = EXCLUDED.task, updated_at = NOW()`,
		task.ID, string(task.Status), data)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask loads a task record.
func (s *PostgresStorage) GetTask(ctx context.Context, id string) (types.Task, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT task FROM dispatch_tasks WHERE task_id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Task{}, fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
	} else if err != nil {
		return types.Task{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return types.Task{}, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}
	return task, nil
}

// ClearCompleted removes terminal task records last written before cutoff.
func (s *PostgresStorage) ClearCompleted(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM dispatch_tasks
		WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		string(types.StatusSuccess), string(types.StatusFailed), string(types.StatusTimedOut), before)
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

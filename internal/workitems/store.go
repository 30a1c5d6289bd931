// Package workitems projects the work-item tracker (tasks, their status and
// completion history) through the state query contract. Items live in
// Postgres; the source reads them through a narrow interface so tests can
// substitute an in-memory fake.
package workitems

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Item statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
)

// Item is one tracked work item.
type Item struct {
	ID          uuid.UUID
	Title       string
	Status      string
	Priority    string
	Project     string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Store reads work items from Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing connection pool. The pool's lifecycle belongs
// to the caller.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ListItems returns every work item, newest first. Personal-scale data: the
// whole table fits in memory and the source aggregates in process.
func (s *Store) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, status, priority, project, created_at, completed_at
		 FROM work_items
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("workitems: list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Title, &it.Status, &it.Priority, &it.Project, &it.CreatedAt, &it.CompletedAt); err != nil {
			return nil, fmt.Errorf("workitems: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CreateItem inserts a new open work item.
func (s *Store) CreateItem(ctx context.Context, title, priority, project string) (Item, error) {
	it := Item{
		ID:        uuid.New(),
		Title:     title,
		Status:    StatusOpen,
		Priority:  priority,
		Project:   project,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO work_items (id, title, status, priority, project, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		it.ID, it.Title, it.Status, it.Priority, it.Project, it.CreatedAt)
	if err != nil {
		return Item{}, fmt.Errorf("workitems: create item: %w", err)
	}
	return it, nil
}

// SetStatus updates an item's status; moving to done stamps completed_at.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	var completedAt *time.Time
	if status == StatusDone {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET status = $2, completed_at = $3 WHERE id = $1`,
		id, status, completedAt)
	if err != nil {
		return fmt.Errorf("workitems: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workitems: item %s not found", id)
	}
	return nil
}

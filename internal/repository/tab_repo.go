package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/termtab/backend/internal/model"
)

// TabRepository persists tab records.
type TabRepository struct {
	db *sql.DB
}

// NewTabRepository creates a new TabRepository.
func NewTabRepository(db *sql.DB) *TabRepository {
	return &TabRepository{db: db}
}

// Create inserts a new tab record.
func (r *TabRepository) Create(ctx context.Context, tab *model.Tab) error {
	query := `
		INSERT INTO tabs (id, name, position, directory, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		tab.ID,
		tab.Name,
		tab.Position,
		nullString(tab.Directory),
		tab.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create tab: %w", err)
	}
	return nil
}

// GetByID retrieves a tab by its id.
func (r *TabRepository) GetByID(ctx context.Context, id string) (*model.Tab, error) {
	query := `SELECT id, name, position, directory, created_at FROM tabs WHERE id = ?`

	tab, err := scanTab(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrTabNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tab: %w", err)
	}
	return tab, nil
}

// List retrieves all tabs ordered by position.
func (r *TabRepository) List(ctx context.Context) ([]*model.Tab, error) {
	query := `SELECT id, name, position, directory, created_at FROM tabs ORDER BY position, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tabs: %w", err)
	}
	defer rows.Close()

	var tabs []*model.Tab
	for rows.Next() {
		tab, err := scanTab(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tab: %w", err)
		}
		tabs = append(tabs, tab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tabs: %w", err)
	}
	return tabs, nil
}

// Update rewrites the mutable fields of a tab record.
func (r *TabRepository) Update(ctx context.Context, tab *model.Tab) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tabs SET name = ?, position = ?, directory = ? WHERE id = ?`,
		tab.Name, tab.Position, nullString(tab.Directory), tab.ID)
	if err != nil {
		return fmt.Errorf("failed to update tab: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrTabNotFound
	}
	return nil
}

// UpdatePosition moves a tab to a new position.
func (r *TabRepository) UpdatePosition(ctx context.Context, id string, position int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tabs SET position = ? WHERE id = ?`, position, id)
	if err != nil {
		return fmt.Errorf("failed to update tab position: %w", err)
	}
	return nil
}

// Delete removes a tab record.
func (r *TabRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tabs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tab: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrTabNotFound
	}
	return nil
}

func scanTab(row rowScanner) (*model.Tab, error) {
	tab := &model.Tab{}
	var directory sql.NullString

	err := row.Scan(&tab.ID, &tab.Name, &tab.Position, &directory, &tab.CreatedAt)
	if err != nil {
		return nil, err
	}

	if directory.Valid {
		tab.Directory = directory.String
	}
	return tab, nil
}

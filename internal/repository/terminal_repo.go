// Package repository provides data access for terminal and tab records.
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/termtab/backend/internal/model"
)

// TerminalRepository persists terminal session records.
type TerminalRepository struct {
	db *sql.DB
}

// NewTerminalRepository creates a new TerminalRepository.
func NewTerminalRepository(db *sql.DB) *TerminalRepository {
	return &TerminalRepository{db: db}
}

const terminalColumns = `id, name, cwd, status, exit_code, cols, rows, tab_id, position_in_tab, created_at`

// Create inserts a new terminal record.
func (r *TerminalRepository) Create(ctx context.Context, t *model.TerminalSession) error {
	query := `
		INSERT INTO terminals (id, name, cwd, status, exit_code, cols, rows, tab_id, position_in_tab, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.Name,
		nullString(t.Cwd),
		t.Status,
		t.ExitCode,
		t.Cols,
		t.Rows,
		nullString(t.TabID),
		t.PositionInTab,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create terminal: %w", err)
	}
	return nil
}

// GetByID retrieves a terminal record by its id.
func (r *TerminalRepository) GetByID(ctx context.Context, id string) (*model.TerminalSession, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals WHERE id = ?`

	t, err := scanTerminal(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrTerminalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get terminal: %w", err)
	}
	return t, nil
}

// List retrieves all terminal records ordered by creation time.
func (r *TerminalRepository) List(ctx context.Context) ([]*model.TerminalSession, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminals: %w", err)
	}
	defer rows.Close()

	var terminals []*model.TerminalSession
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan terminal: %w", err)
		}
		terminals = append(terminals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating terminals: %w", err)
	}
	return terminals, nil
}

// ListByTab retrieves the terminals assigned to a tab, ordered by position.
func (r *TerminalRepository) ListByTab(ctx context.Context, tabID string) ([]*model.TerminalSession, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals WHERE tab_id = ? ORDER BY position_in_tab, id`

	rows, err := r.db.QueryContext(ctx, query, tabID)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminals for tab: %w", err)
	}
	defer rows.Close()

	var terminals []*model.TerminalSession
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan terminal: %w", err)
		}
		terminals = append(terminals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating terminals: %w", err)
	}
	return terminals, nil
}

// Delete removes a terminal record.
func (r *TerminalRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM terminals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete terminal: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrTerminalNotFound
	}
	return nil
}

// UpdateStatus updates the lifecycle status and exit code of a terminal.
func (r *TerminalRepository) UpdateStatus(ctx context.Context, id string, status model.TerminalStatus, exitCode *int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE terminals SET status = ?, exit_code = ? WHERE id = ?`,
		status, exitCode, id)
	if err != nil {
		return fmt.Errorf("failed to update terminal status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrTerminalNotFound
	}
	return nil
}

// UpdateName updates the display name of a terminal.
func (r *TerminalRepository) UpdateName(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE terminals SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("failed to rename terminal: %w", err)
	}
	return nil
}

// UpdateGeometry updates the stored window size of a terminal.
func (r *TerminalRepository) UpdateGeometry(ctx context.Context, id string, cols, rows uint16) error {
	_, err := r.db.ExecContext(ctx, `UPDATE terminals SET cols = ?, rows = ? WHERE id = ?`, cols, rows, id)
	if err != nil {
		return fmt.Errorf("failed to update terminal geometry: %w", err)
	}
	return nil
}

// UpdateTabAssignment updates the tab membership and position of a terminal.
func (r *TerminalRepository) UpdateTabAssignment(ctx context.Context, id, tabID string, position int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE terminals SET tab_id = ?, position_in_tab = ? WHERE id = ?`,
		nullString(tabID), position, id)
	if err != nil {
		return fmt.Errorf("failed to update tab assignment: %w", err)
	}
	return nil
}

// SaveBuffer stores the retained output buffer for replay after a restart.
func (r *TerminalRepository) SaveBuffer(ctx context.Context, id string, buf []byte) error {
	_, err := r.db.ExecContext(ctx, `UPDATE terminals SET buffer = ? WHERE id = ?`, buf, id)
	if err != nil {
		return fmt.Errorf("failed to save buffer: %w", err)
	}
	return nil
}

// LoadBuffer returns the output buffer persisted by the previous run, then
// clears the stored copy.
func (r *TerminalRepository) LoadBuffer(ctx context.Context, id string) ([]byte, error) {
	var buf []byte
	err := r.db.QueryRowContext(ctx, `SELECT buffer FROM terminals WHERE id = ?`, id).Scan(&buf)
	if err == sql.ErrNoRows {
		return nil, model.ErrTerminalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load buffer: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `UPDATE terminals SET buffer = NULL WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to clear stored buffer: %w", err)
	}
	return buf, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTerminal(row rowScanner) (*model.TerminalSession, error) {
	t := &model.TerminalSession{}
	var cwd, tabID sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(
		&t.ID,
		&t.Name,
		&cwd,
		&t.Status,
		&exitCode,
		&t.Cols,
		&t.Rows,
		&tabID,
		&t.PositionInTab,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cwd.Valid {
		t.Cwd = cwd.String
	}
	if tabID.Valid {
		t.TabID = tabID.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.ExitCode = &code
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

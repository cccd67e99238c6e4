package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tonal-labs/cantata/pkg/api"
)

// SQLiteStore persists compositions in SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS compositions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			definition BLOB NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) LoadComposition(
	ctx context.Context, id api.CompositionID,
) (*api.Composition, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM compositions WHERE id = ?`, string(id),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	var comp api.Composition
	if err := json.Unmarshal(data, &comp); err != nil {
		return nil, err
	}
	return &comp, nil
}

func (s *SQLiteStore) SaveComposition(
	ctx context.Context, comp *api.Composition,
) error {
	if comp.ID == "" {
		return ErrIDEmpty
	}
	data, err := json.Marshal(comp)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compositions (id, name, status, definition)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			definition = excluded.definition`,
		string(comp.ID),
		comp.Name,
		string(comp.Status),
		data,
	)
	return err
}

func (s *SQLiteStore) ListCompositions(
	ctx context.Context, status api.CompositionStatus,
) ([]*api.Composition, error) {
	query := `SELECT definition FROM compositions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var res []*api.Composition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var comp api.Composition
		if err := json.Unmarshal(data, &comp); err != nil {
			return nil, err
		}
		res = append(res, &comp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCompositions(res)
	return res, nil
}

func (s *SQLiteStore) DeleteComposition(
	ctx context.Context, id api.CompositionID,
) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM compositions WHERE id = ?`, string(id),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"subuser_broker/internal/models"
)

// SubuserRepository handles per-server subuser list operations.
//
// Every row carries a version. Writers pass the version they read and the
// write only lands if nobody else wrote in between.
type SubuserRepository struct {
	db *DB
}

// NewSubuserRepository creates a new subuser repository
func NewSubuserRepository(db *DB) *SubuserRepository {
	return &SubuserRepository{
		db: db,
	}
}

// GetByServer returns the subuser list for a server. A server with no row
// yields an empty list at version 0.
func (r *SubuserRepository) GetByServer(ctx context.Context, serverID string) (*models.ServerSubusers, error) {
	var row struct {
		Subusers string `db:"subusers"`
		Version  int64  `db:"version"`
	}
	query := r.db.rebind(`SELECT subusers, version FROM server_subusers WHERE server_id = ?`)

	err := r.db.conn.GetContext(ctx, &row, query, serverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.ServerSubusers{ServerID: serverID, Entries: models.SubuserList{}}, nil
		}
		return nil, fmt.Errorf("failed to get subusers: %w", err)
	}

	entries, err := models.DecodeSubuserList([]byte(row.Subusers))
	if err != nil {
		var corrupt *models.CorruptDataError
		if errors.As(err, &corrupt) {
			corrupt.ServerID = serverID
		}
		return nil, err
	}

	return &models.ServerSubusers{ServerID: serverID, Entries: entries, Version: row.Version}, nil
}

// ReplaceAll overwrites the list for a server if its stored version still
// equals expectedVersion, and returns the new version. Version 0 means the
// caller saw no row. A lost race returns ErrVersionConflict.
func (r *SubuserRepository) ReplaceAll(ctx context.Context, serverID string, entries models.SubuserList, expectedVersion int64) (int64, error) {
	var (
		result sql.Result
		err    error
	)

	if expectedVersion == 0 {
		query := r.db.rebind(`
			INSERT INTO server_subusers (server_id, subusers, version)
			VALUES (?, ?, 1)
			ON CONFLICT (server_id) DO NOTHING
		`)
		result, err = r.db.conn.ExecContext(ctx, query, serverID, entries)
	} else {
		query := r.db.rebind(`
			UPDATE server_subusers
			SET subusers = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE server_id = ? AND version = ?
		`)
		result, err = r.db.conn.ExecContext(ctx, query, entries, serverID, expectedVersion)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to replace subusers: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return 0, ErrVersionConflict
	}

	return expectedVersion + 1, nil
}

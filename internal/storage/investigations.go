package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const investigationColumns = `id, owner_id, stage, status, settings_json, progress_json, error, version, created_at, updated_at, last_accessed`

// InsertInvestigation creates a new investigation row at version 1.
// Returns ErrAlreadyExists if the id is taken.
func (s *Store) InsertInvestigation(rec InvestigationRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = rec.CreatedAt
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO investigations (`+investigationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Stage, rec.Status, rec.SettingsJSON, rec.ProgressJSON,
		rec.Error, rec.Version,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
		rec.LastAccessed.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAlreadyExists
	}
	return err
}

// GetInvestigation fetches one investigation by id.
func (s *Store) GetInvestigation(id string) (InvestigationRecord, error) {
	row := s.db.QueryRow(`SELECT `+investigationColumns+` FROM investigations WHERE id = ?`, id)
	return scanInvestigation(row)
}

// CompareAndSwapInvestigation writes the mutable fields of rec if and only if
// the stored version still equals expectedVersion, bumping the version by one.
// This is the only write path for investigation mutations; a losing writer
// gets ErrVersionConflict and must re-read before retrying.
func (s *Store) CompareAndSwapInvestigation(rec InvestigationRecord, expectedVersion int64) (int64, error) {
	now := time.Now().UTC()
	newVersion := expectedVersion + 1
	res, err := s.db.Exec(`
		UPDATE investigations
		SET stage = ?, status = ?, settings_json = ?, progress_json = ?, error = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		rec.Stage, rec.Status, rec.SettingsJSON, rec.ProgressJSON, rec.Error,
		newVersion, now.Format(time.RFC3339),
		rec.ID, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("updating investigation %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking updated rows for %s: %w", rec.ID, err)
	}
	if n == 1 {
		return newVersion, nil
	}

	// Zero rows: either the id is unknown or the version moved underneath us.
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM investigations WHERE id = ?`, rec.ID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("checking existence of %s: %w", rec.ID, err)
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	return 0, ErrVersionConflict
}

// TouchInvestigation updates last_accessed without bumping the version.
// Read traffic must not invalidate writers' CAS expectations.
func (s *Store) TouchInvestigation(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE investigations SET last_accessed = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInvestigationsByOwner returns the owner's investigations, most recent first.
func (s *Store) ListInvestigationsByOwner(ownerID string, limit int) ([]InvestigationRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+investigationColumns+` FROM investigations
		WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []InvestigationRecord
	for rows.Next() {
		rec, err := scanInvestigation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvestigation(row rowScanner) (InvestigationRecord, error) {
	var rec InvestigationRecord
	var createdAt, updatedAt, lastAccessed string
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Stage, &rec.Status, &rec.SettingsJSON, &rec.ProgressJSON,
		&rec.Error, &rec.Version, &createdAt, &updatedAt, &lastAccessed,
	)
	if err == sql.ErrNoRows {
		return InvestigationRecord{}, ErrNotFound
	}
	if err != nil {
		return InvestigationRecord{}, err
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return InvestigationRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return InvestigationRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if rec.LastAccessed, err = time.Parse(time.RFC3339, lastAccessed); err != nil {
		return InvestigationRecord{}, fmt.Errorf("parsing last_accessed: %w", err)
	}
	return rec, nil
}

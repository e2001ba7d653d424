package store

import (
	"database/sql"
	"time"
)

// UpsertFileRecord inserts or updates the cache metadata for a file.
func (db *DB) UpsertFileRecord(r *FileRecord) error {
	now := time.Now().UnixMilli()
	if r.LastAccessAt == 0 {
		r.LastAccessAt = now
	}
	_, err := db.Exec(`
		INSERT INTO file_records (file_id, original_name, content_type, size, duration_ms,
			storage_path, status, last_access_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			original_name = excluded.original_name,
			content_type = excluded.content_type,
			size = excluded.size,
			duration_ms = excluded.duration_ms,
			storage_path = excluded.storage_path,
			status = excluded.status,
			last_access_at = excluded.last_access_at,
			updated_at = excluded.updated_at`,
		r.FileID, r.OriginalName, r.ContentType, r.Size, r.DurationMs,
		r.StoragePath, r.Status, r.LastAccessAt, now, now)
	return err
}

// GetFileRecord returns a record by file id, or nil if absent.
func (db *DB) GetFileRecord(fileID string) (*FileRecord, error) {
	var r FileRecord
	err := db.QueryRow(`
		SELECT file_id, original_name, content_type, size, duration_ms, storage_path, status, last_access_at
		FROM file_records WHERE file_id = ?`, fileID).
		Scan(&r.FileID, &r.OriginalName, &r.ContentType, &r.Size, &r.DurationMs,
			&r.StoragePath, &r.Status, &r.LastAccessAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TouchFileAccess records a read so the retention sweep spares the file.
func (db *DB) TouchFileAccess(fileID string) error {
	_, err := db.Exec(`UPDATE file_records SET last_access_at = ? WHERE file_id = ?`,
		time.Now().UnixMilli(), fileID)
	return err
}

// MarkFileStatus updates a record's lifecycle status.
func (db *DB) MarkFileStatus(fileID, status string) error {
	_, err := db.Exec(`UPDATE file_records SET status = ?, updated_at = ? WHERE file_id = ?`,
		status, time.Now().UnixMilli(), fileID)
	return err
}

// ExpiredFileRecords returns stored records not accessed since the cutoff.
func (db *DB) ExpiredFileRecords(accessedBefore int64) ([]FileRecord, error) {
	rows, err := db.Query(`
		SELECT file_id, original_name, content_type, size, duration_ms, storage_path, status, last_access_at
		FROM file_records
		WHERE status = 'stored' AND last_access_at < ?
		ORDER BY last_access_at ASC`, accessedBefore)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []FileRecord
	for rows.Next() {
		var r FileRecord
		if err := rows.Scan(&r.FileID, &r.OriginalName, &r.ContentType, &r.Size, &r.DurationMs,
			&r.StoragePath, &r.Status, &r.LastAccessAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteFileRecord removes a record row entirely.
func (db *DB) DeleteFileRecord(fileID string) error {
	_, err := db.Exec(`DELETE FROM file_records WHERE file_id = ?`, fileID)
	return err
}

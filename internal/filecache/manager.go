// Package filecache is the local-first blob store for message attachments.
// Reads prefer the on-disk copy; the network is only reached on a cache
// miss or when a record points at a file that vanished from disk.
package filecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pengpengno/Group-IM-sub000/internal/bus"
	"github.com/pengpengno/Group-IM-sub000/internal/imerr"
	"github.com/pengpengno/Group-IM-sub000/internal/store"
	"github.com/pengpengno/Group-IM-sub000/internal/transport"
)

// Downloader fetches a blob from the server by file id.
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, *transport.FileInfo, error)
}

// Manager owns the cache directory tree and all storage path resolution.
type Manager struct {
	db     *store.DB
	root   string
	dl     Downloader
	bus    *bus.Bus
	logger *zap.Logger
	group  singleflight.Group
}

// NewManager creates a manager rooted at dir.
func NewManager(db *store.DB, dir string, dl Downloader, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		db:     db,
		root:   dir,
		dl:     dl,
		bus:    b,
		logger: logger,
	}
}

// GetContent returns the bytes for a file, local-first:
// a stored record with the file present on disk is served with no network
// call; a record whose file is missing triggers a re-download; no record
// at all triggers a download that also creates the record.
func (m *Manager) GetContent(ctx context.Context, fileID string) ([]byte, error) {
	rec, err := m.db.GetFileRecord(fileID)
	if err != nil {
		return nil, &imerr.StorageError{Op: "get file record", Err: err}
	}

	// Any record whose bytes are on disk serves locally, pending and
	// failed included: an outbound attachment is readable the moment it
	// is composed, before (or without) a successful upload.
	if rec != nil && rec.StoragePath != "" {
		if data, err := os.ReadFile(m.resolve(rec.StoragePath)); err == nil {
			_ = m.db.TouchFileAccess(fileID)
			return data, nil
		}
		if rec.Status == store.FileStored {
			// Stale record: evicted or corrupted on disk. Fall through
			// to re-download instead of failing the caller.
			m.logger.Warn("file record points at missing file, re-downloading",
				zap.String("file_id", fileID), zap.String("path", rec.StoragePath))
		}
	}

	// Concurrent callers for the same file id share one download.
	v, err, _ := m.group.Do(fileID, func() (any, error) {
		return m.download(ctx, fileID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (m *Manager) download(ctx context.Context, fileID string) ([]byte, error) {
	data, info, err := m.dl.Download(ctx, fileID)
	if err != nil {
		// No record is written: "not yet cached" keeps retry possible.
		return nil, err
	}

	rel, err := m.place(fileID, info.Name, info.ContentType, data)
	if err != nil {
		return nil, err
	}

	rec := &store.FileRecord{
		FileID:       fileID,
		OriginalName: info.Name,
		ContentType:  info.ContentType,
		Size:         int64(len(data)),
		DurationMs:   info.DurationMs,
		StoragePath:  rel,
		Status:       store.FileStored,
	}
	if err := m.db.UpsertFileRecord(rec); err != nil {
		return nil, &imerr.StorageError{Op: "upsert file record", Err: err}
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindFileStored, Timestamp: time.Now(), Payload: fileID})
	}
	return data, nil
}

// place writes the blob under {category}/{yyyy-mm}/{name[_N]} and returns
// the path relative to the cache root.
func (m *Manager) place(fileID, name, contentType string, data []byte) (string, error) {
	dir := filepath.Join(categoryFor(contentType), time.Now().Format("2006-01"))
	if err := os.MkdirAll(filepath.Join(m.root, dir), 0700); err != nil {
		return "", &imerr.StorageError{Op: "create cache dir", Err: err}
	}

	if name == "" {
		name = fileID
	}
	rel := filepath.Join(dir, availableName(filepath.Join(m.root, dir), name))
	if err := os.WriteFile(filepath.Join(m.root, rel), data, 0600); err != nil {
		return "", &imerr.StorageError{Op: "write cache file", Err: err}
	}
	return rel, nil
}

// availableName keeps the original filename, appending _1, _2, ... before
// the extension until a free name is found. Pure lookup, no writes.
func availableName(dir, name string) string {
	if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

func categoryFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "images"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "video/"):
		return "videos"
	default:
		return "files"
	}
}

// IsStored reports whether the file is cached and present on disk.
func (m *Manager) IsStored(fileID string) bool {
	_, ok := m.LocalPath(fileID)
	return ok
}

// LocalPath returns the absolute on-disk path for a cached file. Never
// reaches the network; returns false when the record or file is absent.
func (m *Manager) LocalPath(fileID string) (string, bool) {
	rec, err := m.db.GetFileRecord(fileID)
	if err != nil || rec == nil || rec.Status != store.FileStored {
		return "", false
	}
	abs := m.resolve(rec.StoragePath)
	if _, err := os.Stat(abs); err != nil {
		return "", false
	}
	return abs, true
}

// AddPendingRecord registers an outbound attachment that already exists at
// localPath (e.g. a just-recorded voice note) before its upload begins.
func (m *Manager) AddPendingRecord(fileID, name, contentType string, durationMs int64, localPath string) error {
	var size int64
	if st, err := os.Stat(localPath); err == nil {
		size = st.Size()
	}
	rec := &store.FileRecord{
		FileID:       fileID,
		OriginalName: name,
		ContentType:  contentType,
		Size:         size,
		DurationMs:   durationMs,
		StoragePath:  localPath,
		Status:       store.FilePending,
	}
	if err := m.db.UpsertFileRecord(rec); err != nil {
		return &imerr.StorageError{Op: "add pending file record", Err: err}
	}
	return nil
}

// MarkStored flips a pending record to stored once its upload completed.
// An outbound attachment still pointing at its source file outside the
// cache root is copied into the tree first, so the retention sweep owns
// the copy and never the user's original.
func (m *Manager) MarkStored(fileID string) error {
	rec, err := m.db.GetFileRecord(fileID)
	if err != nil {
		return &imerr.StorageError{Op: "get file record", Err: err}
	}
	if rec == nil {
		return &imerr.NotFoundError{Kind: "file", ID: fileID}
	}

	if !m.inTree(rec.StoragePath) {
		if rel, err := m.adopt(rec); err != nil {
			// The source path still serves reads; only the sweep skips it.
			m.logger.Warn("could not copy attachment into cache, keeping source path",
				zap.String("file_id", fileID), zap.Error(err))
		} else {
			rec.StoragePath = rel
		}
	}
	rec.Status = store.FileStored
	return m.db.UpsertFileRecord(rec)
}

// adopt copies an out-of-tree file into the cache layout and returns the
// new relative path.
func (m *Manager) adopt(rec *store.FileRecord) (string, error) {
	data, err := os.ReadFile(m.resolve(rec.StoragePath))
	if err != nil {
		return "", err
	}
	return m.place(rec.FileID, rec.OriginalName, rec.ContentType, data)
}

// inTree reports whether a storage path lives under the cache root.
func (m *Manager) inTree(storagePath string) bool {
	return storagePath != "" && !filepath.IsAbs(storagePath) && filepath.IsLocal(storagePath)
}

// MarkFailed flags a record whose upload failed.
func (m *Manager) MarkFailed(fileID string) error {
	return m.db.MarkFileStatus(fileID, store.FileFailed)
}

// Delete removes the cached file from disk and flags the record deleted.
// Returns true when a record existed.
func (m *Manager) Delete(fileID string) (bool, error) {
	rec, err := m.db.GetFileRecord(fileID)
	if err != nil {
		return false, &imerr.StorageError{Op: "get file record", Err: err}
	}
	if rec == nil {
		return false, nil
	}
	if err := os.Remove(m.resolve(rec.StoragePath)); err != nil && !os.IsNotExist(err) {
		return false, &imerr.StorageError{Op: "remove cache file", Err: err}
	}
	if err := m.db.MarkFileStatus(fileID, store.FileDeleted); err != nil {
		return false, &imerr.StorageError{Op: "mark file deleted", Err: err}
	}
	return true, nil
}

// CleanupExpired removes cached files not accessed within retentionDays.
// Partial failures are logged and left for the next sweep: a record whose
// disk delete succeeded but whose status update failed still matches the
// expiry query next run, and the missing-file remove is a no-op then.
func (m *Manager) CleanupExpired(retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	expired, err := m.db.ExpiredFileRecords(cutoff)
	if err != nil {
		return 0, &imerr.StorageError{Op: "list expired files", Err: err}
	}

	removed := 0
	for _, rec := range expired {
		// Only files the cache placed itself are eligible; a record
		// still pointing outside the root references the user's file.
		if !m.inTree(rec.StoragePath) {
			continue
		}
		if err := os.Remove(m.resolve(rec.StoragePath)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("cleanup: remove failed, will retry next sweep",
				zap.String("file_id", rec.FileID), zap.Error(err))
			continue
		}
		if err := m.db.MarkFileStatus(rec.FileID, store.FileDeleted); err != nil {
			m.logger.Warn("cleanup: record update failed, will retry next sweep",
				zap.String("file_id", rec.FileID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) resolve(storagePath string) string {
	if filepath.IsAbs(storagePath) {
		return storagePath
	}
	return filepath.Join(m.root, storagePath)
}

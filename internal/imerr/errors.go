// Package imerr defines the error taxonomy shared across the sync engine.
// Persistence failures surface to callers; network failures are absorbed up
// to the retry budget and only show up as terminal statuses or degraded
// results.
package imerr

import "fmt"

// ConversationResolutionError means the target conversation could not be
// found or created on the server. Retryable.
type ConversationResolutionError struct {
	PeerID string
	Err    error
}

func (e *ConversationResolutionError) Error() string {
	return fmt.Sprintf("resolve conversation for %s: %v", e.PeerID, e.Err)
}

func (e *ConversationResolutionError) Unwrap() error { return e.Err }

// TransportError is a network-level send or receive failure. Retryable up
// to the outbox budget.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UploadError means a binary upload failed. The message metadata may
// already be acknowledged, so this is degraded, not a message failure.
type UploadError struct {
	FileID string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload file %s: %v", e.FileID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// StorageError is a local persistence failure. Fatal for the operation
// that hit it; never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError means the requested file or message exists neither locally
// nor remotely.
type NotFoundError struct {
	Kind string // "file", "message", "conversation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// SyncError means an incremental pull failed. The caller sees zero new
// messages and already-persisted state is untouched.
type SyncError struct {
	ConversationID string
	Err            error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync conversation %s: %v", e.ConversationID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

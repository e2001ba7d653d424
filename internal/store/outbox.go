package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueOutbox durably records the intent to deliver a message. The
// client_msg_id unique constraint guarantees at most one entry per message.
func (db *DB) EnqueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.MaxRetry <= 0 {
		e.MaxRetry = 3
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, peer_id, body, message_type, file_id,
			retry_count, max_retry, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'pending', ?, ?)`,
		e.ClientMsgID, e.ConversationID, e.PeerID, e.Body, e.Type, e.FileID,
		e.MaxRetry, now, now)
	return err
}

// PendingOutbox returns retryable entries in FIFO order so user-intended
// ordering survives retries. Entries never dispatched (updated_at still at
// created_at) are always due; dispatched ones wait until updatedBefore so
// an in-flight ack gets its window.
func (db *DB) PendingOutbox(updatedBefore int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, peer_id, body, message_type, file_id,
			retry_count, max_retry, status, created_at, updated_at
		FROM outbox
		WHERE status = 'pending' AND retry_count < max_retry
			AND (updated_at = created_at OR updated_at <= ?)
		ORDER BY created_at ASC, id ASC`, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.PeerID, &e.Body, &e.Type,
			&e.FileID, &e.RetryCount, &e.MaxRetry, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns an entry by client message id, or nil if absent.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, conversation_id, peer_id, body, message_type, file_id,
			retry_count, max_retry, status, created_at, updated_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.PeerID, &e.Body, &e.Type,
			&e.FileID, &e.RetryCount, &e.MaxRetry, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// TouchOutbox bumps updated_at so an in-flight entry is not re-dispatched
// before the resend window elapses. updated_at always lands past
// created_at, even when the dispatch happens within the enqueue
// millisecond, so the entry cannot look never-dispatched afterwards.
func (db *DB) TouchOutbox(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET updated_at = MAX(?, created_at + 1) WHERE client_msg_id = ?`,
		time.Now().UnixMilli(), clientMsgID)
	return err
}

// IncrementOutboxRetry counts one failed or unacknowledged dispatch.
// When the budget is exhausted the entry flips to the terminal failed
// status and is never retried automatically again.
func (db *DB) IncrementOutboxRetry(clientMsgID string) (retryCount int, exhausted bool, err error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE outbox SET retry_count = retry_count + 1, updated_at = MAX(?, created_at + 1) WHERE client_msg_id = ?`,
		now, clientMsgID); err != nil {
		return 0, false, err
	}

	var maxRetry int
	if err := tx.QueryRow(`SELECT retry_count, max_retry FROM outbox WHERE client_msg_id = ?`,
		clientMsgID).Scan(&retryCount, &maxRetry); err != nil {
		return 0, false, err
	}

	if retryCount >= maxRetry {
		if _, err := tx.Exec(`UPDATE outbox SET status = 'failed', updated_at = ? WHERE client_msg_id = ?`,
			now, clientMsgID); err != nil {
			return 0, false, err
		}
		exhausted = true
	}
	return retryCount, exhausted, tx.Commit()
}

// ResetOutboxRetry re-arms a failed entry for an explicit user retry.
func (db *DB) ResetOutboxRetry(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET retry_count = 0, status = 'pending', updated_at = 0 WHERE client_msg_id = ?`,
		clientMsgID)
	return err
}

// RemoveOutbox deletes an entry once its ack arrived or the message was
// explicitly discarded.
func (db *DB) RemoveOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// SetOutboxConversation patches the conversation id on an entry that was
// enqueued before its private conversation existed.
func (db *DB) SetOutboxConversation(clientMsgID, conversationID string) error {
	_, err := db.Exec(`UPDATE outbox SET conversation_id = ? WHERE client_msg_id = ?`,
		conversationID, clientMsgID)
	return err
}

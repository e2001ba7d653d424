package store

import (
	"database/sql"
	"fmt"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx so upserts can run
// standalone or inside a sync batch transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

const msgCols = `id, conversation_id, client_msg_id, sequence_id, sender_id, body,
	message_type, status, file_id, file_name, file_mime, file_size, file_duration_ms, client_ts`

// UpsertMessage inserts or updates a message using the dual-key identity
// rule: an existing row with the same client_msg_id is updated in place
// (so the server-assigned sequence_id lands on the optimistic row instead
// of duplicating it); otherwise a row with the same (conversation_id,
// sequence_id) is updated; otherwise a new row is inserted.
func (db *DB) UpsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessage(tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMessage(q querier, m *Message) error {
	var id int64
	err := q.QueryRow(`SELECT id FROM messages WHERE client_msg_id = ?`, m.ClientMsgID).Scan(&id)
	if err == sql.ErrNoRows && m.SequenceID > 0 {
		err = q.QueryRow(`SELECT id FROM messages WHERE conversation_id = ? AND sequence_id = ?`,
			m.ConversationID, m.SequenceID).Scan(&id)
	}
	if err == sql.ErrNoRows {
		return insertMessage(q, m)
	}
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	return updateMessage(q, id, m)
}

func insertMessage(q querier, m *Message) error {
	now := time.Now().UnixMilli()
	file := m.File
	if file == nil {
		file = &FileMeta{}
	}
	_, err := q.Exec(`
		INSERT INTO messages (conversation_id, client_msg_id, sequence_id, sender_id, body,
			message_type, status, file_id, file_name, file_mime, file_size, file_duration_ms, client_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.ClientMsgID, m.SequenceID, m.SenderID, m.Body,
		m.Type, m.Status, file.FileID, file.Name, file.ContentType, file.Size, file.DurationMs,
		m.ClientTS, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func updateMessage(q querier, id int64, m *Message) error {
	// A populated sequence_id never reverts to 0 and read status never
	// downgrades to sent.
	_, err := q.Exec(`
		UPDATE messages SET
			conversation_id = CASE WHEN ? != '' THEN ? ELSE conversation_id END,
			sequence_id = CASE WHEN ? > 0 THEN ? ELSE sequence_id END,
			sender_id = CASE WHEN ? != '' THEN ? ELSE sender_id END,
			body = ?,
			status = CASE WHEN status = 'read' AND ? = 'sent' THEN status ELSE ? END
		WHERE id = ?`,
		m.ConversationID, m.ConversationID,
		m.SequenceID, m.SequenceID,
		m.SenderID, m.SenderID,
		m.Body,
		m.Status, m.Status,
		id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if m.File != nil {
		_, err = q.Exec(`
			UPDATE messages SET file_id = ?, file_name = ?, file_mime = ?, file_size = ?, file_duration_ms = ?
			WHERE id = ?`,
			m.File.FileID, m.File.Name, m.File.ContentType, m.File.Size, m.File.DurationMs, id)
		if err != nil {
			return fmt.Errorf("update message file meta: %w", err)
		}
	}
	return nil
}

// UpsertMessages applies a batch of messages in one transaction, each via
// the same dual-key rule. Used by sync pulls so a failed batch leaves
// local state untouched.
func (db *DB) UpsertMessages(msgs []*Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertMessage(tx, m); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return len(msgs), nil
}

// ListByConversation returns the newest limit messages of a conversation
// in render order: acknowledged messages ascending by sequence_id first,
// then pending (sequence-less) messages ascending by client timestamp.
func (db *DB) ListByConversation(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	// Query newest-first (pending tail first), then reverse.
	rows, err := db.Query(`
		SELECT `+msgCols+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY CASE WHEN sequence_id = 0 THEN 0 ELSE 1 END,
			CASE WHEN sequence_id = 0 THEN client_ts ELSE sequence_id END DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListRange returns acknowledged messages around a sequence boundary.
// forward=true reads sequence_id > boundary ascending; forward=false reads
// sequence_id < boundary descending (history pages), returned ascending.
func (db *DB) ListRange(conversationID string, boundarySeq int64, forward bool, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if forward {
		rows, err = db.Query(`
			SELECT `+msgCols+`
			FROM messages
			WHERE conversation_id = ? AND sequence_id > ?
			ORDER BY sequence_id ASC
			LIMIT ?`, conversationID, boundarySeq, limit)
	} else {
		rows, err = db.Query(`
			SELECT `+msgCols+`
			FROM messages
			WHERE conversation_id = ? AND sequence_id > 0 AND sequence_id < ?
			ORDER BY sequence_id DESC
			LIMIT ?`, conversationID, boundarySeq, limit)
	}
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if !forward {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// GetByClientMsgID returns a message by its client id, or nil if absent.
func (db *DB) GetByClientMsgID(clientMsgID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+msgCols+` FROM messages WHERE client_msg_id = ?`, clientMsgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MaxSequenceID returns the high-water mark for a conversation.
func (db *DB) MaxSequenceID(conversationID string) (int64, error) {
	var max int64
	err := db.QueryRow(`SELECT COALESCE(MAX(sequence_id), 0) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&max)
	return max, err
}

// MarkAcked records the server acknowledgment: sequence assigned, status
// sent. A row already read stays read.
func (db *DB) MarkAcked(clientMsgID string, sequenceID int64) error {
	_, err := db.Exec(`
		UPDATE messages SET sequence_id = ?, status = CASE WHEN status = 'read' THEN status ELSE 'sent' END
		WHERE client_msg_id = ?`, sequenceID, clientMsgID)
	return err
}

// MarkMessageFailed flips a message to the terminal failed status.
func (db *DB) MarkMessageFailed(clientMsgID string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'failed' WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// MarkMessageSending flips a message back to sending for an explicit user retry.
func (db *DB) MarkMessageSending(clientMsgID string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'sending' WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// MarkReadUpTo applies a read receipt to all acknowledged messages up to
// and including the given sequence.
func (db *DB) MarkReadUpTo(conversationID string, upToSeq int64) error {
	_, err := db.Exec(`
		UPDATE messages SET status = 'read'
		WHERE conversation_id = ? AND sequence_id > 0 AND sequence_id <= ? AND status = 'sent'`,
		conversationID, upToSeq)
	return err
}

// UpdateMessageConversation patches the conversation id on a message that
// was composed before its private conversation existed.
func (db *DB) UpdateMessageConversation(clientMsgID, conversationID string) error {
	_, err := db.Exec(`UPDATE messages SET conversation_id = ? WHERE client_msg_id = ?`,
		conversationID, clientMsgID)
	return err
}

// DeleteMessage removes a message row. Explicit user action only.
func (db *DB) DeleteMessage(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE client_msg_id = ?`, clientMsgID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var f FileMeta
	err := r.Scan(&m.ID, &m.ConversationID, &m.ClientMsgID, &m.SequenceID, &m.SenderID, &m.Body,
		&m.Type, &m.Status, &f.FileID, &f.Name, &f.ContentType, &f.Size, &f.DurationMs, &m.ClientTS)
	if err != nil {
		return nil, err
	}
	if f.FileID != "" {
		m.File = &f
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

//go:build !sqlite_fts5

package store

import "strings"

// schemaVersion is the newest migration in this build. Default builds
// carry only the base schema; the fts migration needs go-sqlite3 compiled
// with fts5 support (build with -tags sqlite_fts5 to get ranked search).
const schemaVersion = 1

// SearchMessages performs a substring search on message bodies. Fallback
// for builds without fts5: no ranking, newest matches first.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, conversation_id, client_msg_id, sequence_id, sender_id, body,
		       message_type, status, client_ts
		FROM messages
		WHERE body LIKE ? ESCAPE '\'`

	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY client_ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.ClientMsgID,
			&r.Message.SequenceID, &r.Message.SenderID, &r.Message.Body,
			&r.Message.Type, &r.Message.Status, &r.Message.ClientTS,
		); err != nil {
			return nil, err
		}
		r.Snippet = likeSnippet(r.Message.Body, query)
		results = append(results, r)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// likeSnippet marks the first match the way the fts snippet() call does,
// so callers render both builds identically.
func likeSnippet(body, query string) string {
	idx := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if idx < 0 {
		return body
	}
	end := idx + len(query)
	return body[:idx] + "<<" + body[idx:end] + ">>" + body[end:]
}

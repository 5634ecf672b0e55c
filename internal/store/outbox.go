package store

import (
	"context"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	if e.Kind == "" {
		e.Kind = "text"
	}
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_msg_id, chat_jid, kind, body, file_name, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.ChatJID, e.Kind, e.Body, e.FileName, e.Payload, now, now)
	if err != nil {
		return err
	}
	e.Status = "queued"
	e.ID, _ = res.LastInsertId()
	return nil
}

// MarkOutboxSending moves a queued entry to 'sending'.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`,
		time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxSent records the server message id and drops the payload.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'sent', server_msg_id = ?, payload = NULL, updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, time.Now().UnixMilli(), clientMsgID)
	return err
}

// RequeueOutbox returns an entry to 'queued' so the next flush retries it.
func (db *DB) RequeueOutbox(ctx context.Context, clientMsgID, errMsg string) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'queued', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxFailed records the send error.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}

// PendingOutbox returns queued entries in insertion order.
func (db *DB) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_msg_id, chat_jid, kind, body, file_name, payload, status, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatJID, &e.Kind, &e.Body, &e.FileName, &e.Payload,
			&e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OutboxStatus returns the status of one entry.
func (db *DB) OutboxStatus(ctx context.Context, clientMsgID string) (string, error) {
	var s string
	err := db.QueryRowContext(ctx, `SELECT status FROM outbox WHERE client_msg_id = ?`, clientMsgID).Scan(&s)
	return s, err
}

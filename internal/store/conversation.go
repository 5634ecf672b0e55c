package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const recordColumns = `id, chat_jid, msg_id, ref_msg_id, sender_jid, role, kind, content, media_type, mimetype, file_name, status, created_at`

// UpsertRecord inserts r, or updates content and status when a record with
// the same (chat_jid, msg_id, kind) exists.
func (db *DB) UpsertRecord(ctx context.Context, r *Record) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	if r.Status == "" {
		r.Status = "received"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversation (chat_jid, msg_id, ref_msg_id, sender_jid, role, kind, content, media_type, mimetype, file_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, msg_id, kind) DO UPDATE SET
			content = CASE WHEN excluded.content = '' THEN conversation.content ELSE excluded.content END,
			status = excluded.status`,
		r.ChatJID, r.MsgID, r.RefMsgID, r.SenderJID, r.Role, r.Kind, r.Content,
		r.MediaType, r.Mimetype, r.FileName, r.Status, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", r.MsgID, r.Kind, err)
	}
	return nil
}

// SetRecordStatus updates the delivery status of an assistant record.
func (db *DB) SetRecordStatus(ctx context.Context, chatJID, msgID, status string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversation SET status = ?
		WHERE chat_jid = ? AND msg_id = ? AND kind != 'analysis'`, status, chatJID, msgID)
	return err
}

// History returns up to limit text and media records for a chat, oldest first.
// Analysis rows are excluded; they are looked up by message id instead.
func (db *DB) History(ctx context.Context, chatJID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM conversation
		WHERE chat_jid = ? AND kind != 'analysis' AND status != 'failed'
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, chatJID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FindByMessageID returns the record of the given kind for a message.
func (db *DB) FindByMessageID(ctx context.Context, chatJID, msgID string, kind Kind) (*Record, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM conversation
		WHERE chat_jid = ? AND msg_id = ? AND kind = ?`, chatJID, msgID, kind)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// FindAnalysis returns the stored analysis of a message.
func (db *DB) FindAnalysis(ctx context.Context, chatJID, msgID string) (*Record, error) {
	return db.FindByMessageID(ctx, chatJID, msgID, KindAnalysis)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	if err := s.Scan(&r.ID, &r.ChatJID, &r.MsgID, &r.RefMsgID, &r.SenderJID, &r.Role, &r.Kind,
		&r.Content, &r.MediaType, &r.Mimetype, &r.FileName, &r.Status, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

package media

import (
	"context"
	"errors"

	"github.com/matheus3301/wppbot/internal/store"
)

// StoreHistory serves resolver lookups from the conversation table.
type StoreHistory struct {
	db *store.DB
}

// NewStoreHistory wraps db.
func NewStoreHistory(db *store.DB) *StoreHistory {
	return &StoreHistory{db: db}
}

// FindAnalysis returns the stored analysis of msgID.
func (h *StoreHistory) FindAnalysis(ctx context.Context, chatJID, msgID string) (string, bool, error) {
	r, err := h.db.FindAnalysis(ctx, chatJID, msgID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return r.Content, r.Content != "", nil
}

// FindMessage returns the stored text or caption of msgID.
func (h *StoreHistory) FindMessage(ctx context.Context, chatJID, msgID string) (string, bool, error) {
	for _, kind := range []store.Kind{store.KindMedia, store.KindText} {
		r, err := h.db.FindByMessageID(ctx, chatJID, msgID, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if r.Content != "" {
			return r.Content, true, nil
		}
	}
	return "", false, nil
}

// SaveAnalysis stores text as the analysis of ref.MessageID.
func (h *StoreHistory) SaveAnalysis(ctx context.Context, ref Reference, text string) error {
	return h.db.UpsertRecord(ctx, &store.Record{
		ChatJID:   ref.ChatJID,
		MsgID:     ref.MessageID,
		RefMsgID:  ref.MessageID,
		Role:      store.RoleAssistant,
		Kind:      store.KindAnalysis,
		Content:   text,
		MediaType: ref.MediaType,
		Mimetype:  ref.Mimetype,
		FileName:  ref.FileName,
	})
}

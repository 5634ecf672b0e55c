package creds

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// State classifies persisted session credentials.
type State string

const (
	Absent       State = "absent"
	Transitional State = "transitional" // mid-pairing: identity assigned, never reached Open
	Valid        State = "valid"
)

// ErrCorrupt is returned by a Store when the persisted record cannot be parsed.
var ErrCorrupt = errors.New("credentials corrupt")

// Credentials is the persisted identity material for the transport session.
type Credentials struct {
	IdentityKey []byte
	Registered  bool
	SelfID      string
}

// Store persists session credentials.
type Store interface {
	// Load returns the current record, nil if nothing is stored.
	Load(ctx context.Context) (*Credentials, error)
	// MarkRegistered records that the session reached Open as selfID.
	MarkRegistered(ctx context.Context, selfID string) error
	// Delete wipes every persisted credential.
	Delete(ctx context.Context) error
}

// Classify returns the state of c. A nil record is absent.
func Classify(c *Credentials) State {
	if c == nil || c.SelfID == "" {
		return Absent
	}
	if !c.Registered {
		return Transitional
	}
	if len(c.IdentityKey) == 0 {
		return Absent
	}
	return Valid
}

// Validator loads and classifies credentials, removing records that can
// never complete a login.
type Validator struct {
	store  Store
	logger *zap.Logger
}

// NewValidator creates a validator over store.
func NewValidator(store Store, logger *zap.Logger) *Validator {
	return &Validator{store: store, logger: logger}
}

// Check classifies the persisted record. Corrupt and partial absent records
// are deleted so a fresh pairing can start. Transitional records are kept.
func (v *Validator) Check(ctx context.Context) (State, error) {
	c, err := v.store.Load(ctx)
	if errors.Is(err, ErrCorrupt) {
		v.logger.Warn("credentials unreadable, deleting", zap.Error(err))
		if delErr := v.store.Delete(ctx); delErr != nil {
			return Absent, fmt.Errorf("delete corrupt credentials: %w", delErr)
		}
		return Absent, nil
	}
	if err != nil {
		return Absent, fmt.Errorf("load credentials: %w", err)
	}

	state := Classify(c)
	switch state {
	case Absent:
		if c != nil && (len(c.IdentityKey) > 0 || c.SelfID != "") {
			v.logger.Info("deleting incomplete credentials")
			if err := v.store.Delete(ctx); err != nil {
				return Absent, fmt.Errorf("delete incomplete credentials: %w", err)
			}
		}
	case Transitional:
		v.logger.Info("credentials mid-pairing, keeping", zap.String("self_id", c.SelfID))
	case Valid:
		v.logger.Info("credentials valid", zap.String("self_id", c.SelfID))
	}
	return state, nil
}

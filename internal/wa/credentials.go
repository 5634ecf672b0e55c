package wa

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/wppbot/internal/creds"
	"github.com/matheus3301/wppbot/internal/store"
	wastore "go.mau.fi/whatsmeow/store"
)

// deviceSource is the part of Adapter the credential store reads.
type deviceSource interface {
	Device() *wastore.Device
	ResetDevice(ctx context.Context) error
}

// Device returns the current device store.
func (a *Adapter) Device() *wastore.Device {
	return a.Client().Store
}

// stateStore persists the registered marker.
type stateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error
}

// CredentialStore exposes the whatsmeow device as session credentials.
// The device holds the identity; the app database records whether that
// identity ever reached an open session.
type CredentialStore struct {
	devices deviceSource
	state   stateStore
}

// NewCredentialStore creates a credential store over the adapter's device.
func NewCredentialStore(a *Adapter, db *store.DB) *CredentialStore {
	return &CredentialStore{devices: a, state: db}
}

// Load returns the credentials of the current device, nil if none.
func (s *CredentialStore) Load(ctx context.Context) (*creds.Credentials, error) {
	dev := s.devices.Device()
	// A device without an ID has never been linked; its keys are not persisted.
	if dev == nil || dev.ID == nil {
		return nil, nil
	}
	c := &creds.Credentials{SelfID: dev.ID.ToNonAD().String()}
	if dev.IdentityKey != nil && dev.IdentityKey.Priv != nil {
		c.IdentityKey = dev.IdentityKey.Priv[:]
	}

	registered, ok, err := s.state.GetState(ctx, store.StateRegisteredJID)
	if err != nil {
		return nil, fmt.Errorf("read registered marker: %w", err)
	}
	c.Registered = ok && registered == c.SelfID
	return c, nil
}

// MarkRegistered records that selfID reached an open session.
func (s *CredentialStore) MarkRegistered(ctx context.Context, selfID string) error {
	if dev := s.devices.Device(); dev != nil && dev.ID != nil {
		selfID = dev.ID.ToNonAD().String()
	}
	return s.state.SetState(ctx, store.StateRegisteredJID, selfID)
}

// Delete removes the device and the registered marker.
func (s *CredentialStore) Delete(ctx context.Context) error {
	return errors.Join(
		s.devices.ResetDevice(ctx),
		s.state.DeleteState(ctx, store.StateRegisteredJID),
	)
}

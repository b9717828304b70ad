// Package registry owns the mapping from users to their registered push
// destinations. Stored addresses are opaque envelopes; they are decoded here,
// once, and only decoded addresses travel to the rest of the system.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Row is the persisted shape of one device registration.
type Row struct {
	ID          uuid.UUID
	UserID      string
	Address     string // serialized envelope
	DeviceLabel string
	UpdatedAt   time.Time
}

// Store is the persistence contract the registry needs. Implementations:
// internal/db (postgres), MemoryStore (tests, dev mode without a database).
type Store interface {
	// Save upserts keyed on (user_id, address) and returns the row ID.
	Save(ctx context.Context, row Row) (uuid.UUID, error)
	ListForUsers(ctx context.Context, userIDs []string) ([]Row, error)
	DeleteByAddress(ctx context.Context, addresses []string) error
	DeleteForUser(ctx context.Context, userID string) error
}

// Registration is a decoded device registration.
type Registration struct {
	ID          uuid.UUID
	UserID      string
	Address     Address
	RawAddress  string
	DeviceLabel string
	UpdatedAt   time.Time
}

type Registry struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
	}
}

// Register upserts a device registration. Address-based providers dedup on
// the exact serialized address; single-slot providers replace whatever the
// user had registered under that provider. Retrying identical input is a
// no-op either way.
func (r *Registry) Register(ctx context.Context, userID string, addr Address, deviceLabel string) (uuid.UUID, error) {
	if userID == "" {
		return uuid.Nil, fmt.Errorf("register: missing user id")
	}

	raw, err := addr.Encode()
	if err != nil {
		return uuid.Nil, fmt.Errorf("register: %w", err)
	}

	if singleSlot(addr.Provider) {
		if err := r.evictProviderSlot(ctx, userID, addr.Provider, raw); err != nil {
			return uuid.Nil, err
		}
	}

	id, err := r.store.Save(ctx, Row{
		ID:          uuid.New(),
		UserID:      userID,
		Address:     raw,
		DeviceLabel: deviceLabel,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("register: save: %w", err)
	}

	r.logger.Info("device registered",
		zap.String("user_id", userID),
		zap.String("provider", addr.Provider),
		zap.String("registration_id", id.String()),
	)

	return id, nil
}

// evictProviderSlot removes the user's existing registrations for a
// single-slot provider, except an exact match of the new address (which the
// upsert will refresh in place).
func (r *Registry) evictProviderSlot(ctx context.Context, userID, provider, newRaw string) error {
	rows, err := r.store.ListForUsers(ctx, []string{userID})
	if err != nil {
		return fmt.Errorf("register: list existing: %w", err)
	}

	var stale []string
	for _, row := range rows {
		if row.Address == newRaw {
			continue
		}
		if DecodeAddress(row.Address).Provider == provider {
			stale = append(stale, row.Address)
		}
	}

	if len(stale) == 0 {
		return nil
	}
	if err := r.store.DeleteByAddress(ctx, stale); err != nil {
		return fmt.Errorf("register: replace %s slot: %w", provider, err)
	}
	return nil
}

// ListForUsers returns the union of registrations for the given users.
// Rows with undecodable envelopes come back under the unknown provider;
// they are never silently dropped.
func (r *Registry) ListForUsers(ctx context.Context, userIDs []string) ([]Registration, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := r.store.ListForUsers(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}

	regs := make([]Registration, 0, len(rows))
	for _, row := range rows {
		addr := DecodeAddress(row.Address)
		if addr.Provider == ProviderUnknown {
			r.logger.Warn("registration envelope not decodable",
				zap.String("user_id", row.UserID),
				zap.String("registration_id", row.ID.String()),
			)
		}
		regs = append(regs, Registration{
			ID:          row.ID,
			UserID:      row.UserID,
			Address:     addr,
			RawAddress:  row.Address,
			DeviceLabel: row.DeviceLabel,
			UpdatedAt:   row.UpdatedAt,
		})
	}

	return regs, nil
}

// RemoveByAddress deletes registrations matching the given serialized
// addresses. Missing rows are not an error.
func (r *Registry) RemoveByAddress(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	if err := r.store.DeleteByAddress(ctx, addresses); err != nil {
		return fmt.Errorf("remove by address: %w", err)
	}
	return nil
}

// RemoveForUser deletes every registration the user has, e.g. on logout.
func (r *Registry) RemoveForUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("remove: missing user id")
	}
	if err := r.store.DeleteForUser(ctx, userID); err != nil {
		return fmt.Errorf("remove for user: %w", err)
	}
	r.logger.Info("device registrations removed", zap.String("user_id", userID))
	return nil
}

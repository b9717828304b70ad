package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/registry"
)

// RegistrationStore implements registry.Store on postgres.
type RegistrationStore struct {
	db     *DB
	logger *zap.Logger
}

var _ registry.Store = (*RegistrationStore)(nil)

func NewRegistrationStore(db *DB, logger *zap.Logger) *RegistrationStore {
	return &RegistrationStore{
		db:     db,
		logger: logger,
	}
}

// Save upserts a registration keyed on (user_id, address). A conflicting
// insert refreshes the label and timestamp and keeps the original row ID.
func (s *RegistrationStore) Save(ctx context.Context, row registry.Row) (uuid.UUID, error) {
	query := `
		INSERT INTO device_registrations (id, user_id, address, device_label, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, address) DO UPDATE
		SET device_label = EXCLUDED.device_label, updated_at = NOW()
		RETURNING id
	`

	var id uuid.UUID
	err := s.db.Pool().QueryRow(ctx, query, row.ID, row.UserID, row.Address, row.DeviceLabel).Scan(&id)
	if err != nil {
		s.logger.Error("failed to save device registration",
			zap.Error(err),
			zap.String("user_id", row.UserID),
		)
		return uuid.Nil, fmt.Errorf("upsert registration: %w", err)
	}

	return id, nil
}

// ListForUsers returns every registration row belonging to the given users.
func (s *RegistrationStore) ListForUsers(ctx context.Context, userIDs []string) ([]registry.Row, error) {
	query := `
		SELECT id, user_id, address, device_label, updated_at
		FROM device_registrations
		WHERE user_id = ANY($1)
		ORDER BY user_id, updated_at
	`

	rows, err := s.db.Pool().Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var out []registry.Row
	for rows.Next() {
		var row registry.Row
		if err := rows.Scan(&row.ID, &row.UserID, &row.Address, &row.DeviceLabel, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}

// DeleteByAddress removes rows matching any of the serialized addresses.
// Nothing matching is fine.
func (s *RegistrationStore) DeleteByAddress(ctx context.Context, addresses []string) error {
	result, err := s.db.Pool().Exec(ctx,
		`DELETE FROM device_registrations WHERE address = ANY($1)`, addresses)
	if err != nil {
		return fmt.Errorf("delete registrations by address: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		s.logger.Info("device registrations deleted by address", zap.Int64("count", n))
	}
	return nil
}

// DeleteForUser removes every registration the user has.
func (s *RegistrationStore) DeleteForUser(ctx context.Context, userID string) error {
	if _, err := s.db.Pool().Exec(ctx,
		`DELETE FROM device_registrations WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete registrations for user: %w", err)
	}
	return nil
}

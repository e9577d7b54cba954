package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/jobmail/internal/model"
)

// SaveMailbox inserts or replaces the mailbox for cred.UserID. The
// credential's Secret must already be a keyring reference.
func (s *SQLiteStore) SaveMailbox(
	ctx context.Context,
	cred model.MailboxCredential,
	filters model.FilterSet,
) error {
	if strings.TrimSpace(cred.UserID) == "" {
		return fmt.Errorf("mailbox user id must not be empty")
	}
	if strings.TrimSpace(cred.Address) == "" {
		return fmt.Errorf("mailbox address must not be empty")
	}

	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return fmt.Errorf("marshaling filters for %s: %w", cred.UserID, err)
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mailboxes (
			user_id, provider, address, host, port, use_tls,
			secret, active, filters, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			provider = excluded.provider,
			address = excluded.address,
			host = excluded.host,
			port = excluded.port,
			use_tls = excluded.use_tls,
			secret = excluded.secret,
			active = excluded.active,
			filters = excluded.filters,
			updated_at = excluded.updated_at`,
		cred.UserID, string(cred.Provider), cred.Address, cred.Host, cred.Port,
		boolToInt(cred.UseTLS), cred.Secret, boolToInt(cred.Active),
		string(filtersJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("saving mailbox for %s: %w", cred.UserID, err)
	}
	return nil
}

// GetMailbox returns the mailbox and filters for userID, or ErrNotFound.
func (s *SQLiteStore) GetMailbox(
	ctx context.Context,
	userID string,
) (model.MailboxCredential, model.FilterSet, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT user_id, provider, address, host, port, use_tls,
			secret, active, filters, created_at, updated_at
		FROM mailboxes WHERE user_id = ?`, userID)

	var (
		cred        model.MailboxCredential
		provider    string
		useTLS      int
		active      int
		filtersJSON string
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := row.Scan(
		&cred.UserID, &provider, &cred.Address, &cred.Host, &cred.Port, &useTLS,
		&cred.Secret, &active, &filtersJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MailboxCredential{}, model.FilterSet{}, fmt.Errorf("mailbox %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.MailboxCredential{}, model.FilterSet{}, fmt.Errorf("scanning mailbox row: %w", err)
	}

	cred.Provider = model.Provider(provider)
	cred.UseTLS = useTLS != 0
	cred.Active = active != 0
	cred.CreatedAt = createdAt
	cred.UpdatedAt = updatedAt

	var filters model.FilterSet
	if filtersJSON != "" {
		if err := json.Unmarshal([]byte(filtersJSON), &filters); err != nil {
			return model.MailboxCredential{}, model.FilterSet{}, fmt.Errorf("unmarshaling filters: %w", err)
		}
	}

	return cred, filters, nil
}

// SetMailboxActive enables or disables scheduled ingestion for userID.
func (s *SQLiteStore) SetMailboxActive(ctx context.Context, userID string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE mailboxes SET active = ?, updated_at = ? WHERE user_id = ?",
		boolToInt(active), s.now(), userID,
	)
	if err != nil {
		return fmt.Errorf("updating mailbox %s: %w", userID, err)
	}
	return requireAffected(result, "mailbox", userID)
}

// DeleteMailbox removes the mailbox for userID along with its
// high-water mark. Stored jobs are kept.
func (s *SQLiteStore) DeleteMailbox(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM mailboxes WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("deleting mailbox %s: %w", userID, err)
	}
	return requireAffected(result, "mailbox", userID)
}

// ListActiveUsers returns the user IDs of all active mailboxes.
func (s *SQLiteStore) ListActiveUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users,
		"SELECT user_id FROM mailboxes WHERE active = 1 ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("listing active mailboxes: %w", err)
	}
	return users, nil
}

func requireAffected(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

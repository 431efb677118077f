package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"subuser_broker/internal/models"
)

// AccountRepository handles account database operations
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{
		db: db,
	}
}

// GetByIdentity retrieves the account linked to an upstream identity
func (r *AccountRepository) GetByIdentity(ctx context.Context, identity string) (*models.Account, error) {
	var account models.Account
	query := r.db.rebind(`
		SELECT identity, authorization_token, session_token, user_token, key_hash, key_salt
		FROM accounts
		WHERE identity = ?
	`)

	err := r.db.conn.GetContext(ctx, &account, query, identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if err := r.openTokens(&account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Upsert stores the account, replacing the tokens and key of an existing row
// for the same identity
func (r *AccountRepository) Upsert(ctx context.Context, account *models.Account) error {
	query := r.db.rebind(`
		INSERT INTO accounts (identity, authorization_token, session_token, user_token, key_hash, key_salt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			authorization_token = excluded.authorization_token,
			session_token = excluded.session_token,
			user_token = excluded.user_token,
			key_hash = excluded.key_hash,
			key_salt = excluded.key_salt,
			updated_at = CURRENT_TIMESTAMP
	`)

	tokens, err := r.sealTokens(account)
	if err != nil {
		return err
	}

	_, err = r.db.conn.ExecContext(
		ctx, query,
		account.Identity, tokens[0], tokens[1], tokens[2],
		account.KeyHash, account.KeySalt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	return nil
}

// sealTokens returns the authorization, session and user tokens as they are
// written to the database. Without a key, tokens that would read back as
// sealed or escaped are stored escaped.
func (r *AccountRepository) sealTokens(account *models.Account) ([3]string, error) {
	tokens := [3]string{account.AuthorizationToken, account.SessionToken, account.UserToken}
	if r.db.enc == nil {
		for i, token := range tokens {
			if IsSealed(token) || strings.HasPrefix(token, escapedPrefix) {
				tokens[i] = escapedPrefix + token
			}
		}
		return tokens, nil
	}
	for i, token := range tokens {
		sealed, err := r.db.enc.Seal(token)
		if err != nil {
			return tokens, fmt.Errorf("failed to seal account token: %w", err)
		}
		tokens[i] = sealed
	}
	return tokens, nil
}

func (r *AccountRepository) openTokens(account *models.Account) error {
	for _, token := range []*string{&account.AuthorizationToken, &account.SessionToken, &account.UserToken} {
		if escaped, ok := strings.CutPrefix(*token, escapedPrefix); ok {
			*token = escaped
			continue
		}
		if !IsSealed(*token) {
			continue
		}
		if r.db.enc == nil {
			return fmt.Errorf("account %s has sealed tokens but no encryption key is configured", account.Identity)
		}
		opened, err := r.db.enc.Open(*token)
		if err != nil {
			return fmt.Errorf("failed to open account token: %w", err)
		}
		*token = opened
	}
	return nil
}

package broker

import (
	"context"
	"errors"

	"subuser_broker/internal/auth"
	"subuser_broker/internal/models"
	"subuser_broker/internal/storage"
	"subuser_broker/internal/upstream"
	"subuser_broker/internal/utils"
)

// maxWriteAttempts bounds how often a subuser mutation is re-applied after
// losing a concurrent write.
const maxWriteAttempts = 3

// AccountStore persists issued accounts
type AccountStore interface {
	GetByIdentity(ctx context.Context, identity string) (*models.Account, error)
	Upsert(ctx context.Context, account *models.Account) error
}

// SubuserStore persists per-server subuser lists
type SubuserStore interface {
	GetByServer(ctx context.Context, serverID string) (*models.ServerSubusers, error)
	ReplaceAll(ctx context.Context, serverID string, entries models.SubuserList, expectedVersion int64) (int64, error)
}

// Upstream is the subset of the upstream platform the broker relies on
type Upstream interface {
	Login(ctx context.Context, creds upstream.Credentials) (string, error)
	ServerExists(ctx context.Context, serverID, authToken string) (bool, error)
}

// KeyHasher hashes and verifies API keys
type KeyHasher interface {
	GenerateSalt() (string, error)
	Hash(secret, salt string) (string, error)
	Verify(secret, hashed string) (bool, error)
}

// IssueKeyRequest carries the upstream session a user presents for a key
type IssueKeyRequest struct {
	Token      string
	SlgSession string
	SlgUser    string
}

// IssuedKey is returned once; the plaintext key is never stored
type IssuedKey struct {
	Identity string `json:"identity"`
	Key      string `json:"key"`
}

// AddSubuserRequest grants Target the given permissions on ServerID
type AddSubuserRequest struct {
	Identity    string
	Key         string
	ServerID    string
	Target      string
	Permissions []string
}

// RemoveSubuserRequest revokes Target's grant on ServerID
type RemoveSubuserRequest struct {
	Identity string
	Key      string
	ServerID string
	Target   string
}

// ListSubusersRequest reads the grants on ServerID
type ListSubusersRequest struct {
	Identity string
	Key      string
	ServerID string
}

// Service runs key issuance and the subuser authorization flow
type Service struct {
	accounts AccountStore
	subusers SubuserStore
	upstream Upstream
	hasher   KeyHasher
	logger   *utils.Logger

	newKey func() (string, error)
}

// NewService creates a new broker service
func NewService(accounts AccountStore, subusers SubuserStore, up Upstream, hasher KeyHasher, logger *utils.Logger) *Service {
	return &Service{
		accounts: accounts,
		subusers: subusers,
		upstream: up,
		hasher:   hasher,
		logger:   logger,
		newKey:   auth.GenerateAPIKey,
	}
}

// IssueKey logs in to upstream with the presented session and issues a fresh
// API key for the returned identity, replacing any previous key.
func (s *Service) IssueKey(ctx context.Context, req IssueKeyRequest) (*IssuedKey, error) {
	if err := requireFields(map[string]any{
		"token":      req.Token,
		"slgSession": req.SlgSession,
		"slgUser":    req.SlgUser,
	}, "token", "slgSession", "slgUser"); err != nil {
		return nil, err
	}

	identity, err := s.upstream.Login(ctx, upstream.Credentials{
		Token:   req.Token,
		Session: req.SlgSession,
		User:    req.SlgUser,
	})
	if err != nil {
		if errors.Is(err, upstream.ErrInvalidCredentials) {
			return nil, NewError(KindInvalidCredentials, MsgInvalidCredentials, err)
		}
		return nil, NewError(KindUpstreamError, MsgUpstreamError, err)
	}
	if !models.IsValidID(identity) {
		return nil, NewError(KindUpstreamError, MsgUpstreamError, errors.New("upstream returned a malformed identity"))
	}

	key, err := s.newKey()
	if err != nil {
		return nil, NewError(KindStorageError, MsgCreateKey, err)
	}
	salt, err := s.hasher.GenerateSalt()
	if err != nil {
		return nil, NewError(KindStorageError, MsgCreateKey, err)
	}
	hashed, err := s.hasher.Hash(key, salt)
	if err != nil {
		return nil, NewError(KindStorageError, MsgCreateKey, err)
	}

	account := &models.Account{
		Identity:           identity,
		AuthorizationToken: req.Token,
		SessionToken:       req.SlgSession,
		UserToken:          req.SlgUser,
		KeyHash:            hashed,
		KeySalt:            salt,
	}
	if err := s.accounts.Upsert(ctx, account); err != nil {
		return nil, NewError(KindStorageError, MsgCreateKey, err)
	}

	s.logger.Info("Issued API key", "identity", identity)
	return &IssuedKey{Identity: identity, Key: key}, nil
}

// AddSubuser grants Target exactly the requested permissions on a server,
// overriding any earlier grant. Returns the updated list.
func (s *Service) AddSubuser(ctx context.Context, req AddSubuserRequest) (models.SubuserList, error) {
	if err := requireFields(map[string]any{
		"uuid":        req.Identity,
		"subuserUUID": req.Target,
		"permissions": req.Permissions,
		"key":         req.Key,
		"server":      req.ServerID,
	}, "uuid", "subuserUUID", "permissions", "key", "server"); err != nil {
		return nil, err
	}
	if err := checkIDs(
		idField{"uuid", req.Identity},
		idField{"subuserUUID", req.Target},
		idField{"server", req.ServerID},
	); err != nil {
		return nil, err
	}
	perms, invalid := models.ParsePermissions(req.Permissions)
	if len(invalid) > 0 {
		return nil, invalidPermissions(invalid)
	}

	acting, err := s.authenticate(ctx, req.Identity, req.Key)
	if err != nil {
		return nil, err
	}
	if err := s.checkTarget(ctx, req.Target); err != nil {
		return nil, err
	}
	if err := s.checkServer(ctx, req.ServerID, acting); err != nil {
		return nil, err
	}

	list, err := s.mutate(ctx, req.ServerID, func(current models.SubuserList) (models.SubuserList, bool) {
		return current.Grant(req.Target, perms), true
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Granted subuser", "server", req.ServerID, "by", req.Identity, "subuser", req.Target, "permissions", len(perms))
	return list, nil
}

// RemoveSubuser revokes Target's grant on a server. Revoking an identity with
// no grant is a no-op. Returns the resulting list.
func (s *Service) RemoveSubuser(ctx context.Context, req RemoveSubuserRequest) (models.SubuserList, error) {
	if err := requireFields(map[string]any{
		"uuid":        req.Identity,
		"subuserUUID": req.Target,
		"key":         req.Key,
		"server":      req.ServerID,
	}, "uuid", "subuserUUID", "key", "server"); err != nil {
		return nil, err
	}
	if err := checkIDs(
		idField{"uuid", req.Identity},
		idField{"subuserUUID", req.Target},
		idField{"server", req.ServerID},
	); err != nil {
		return nil, err
	}

	acting, err := s.authenticate(ctx, req.Identity, req.Key)
	if err != nil {
		return nil, err
	}
	if err := s.checkTarget(ctx, req.Target); err != nil {
		return nil, err
	}
	if err := s.checkServer(ctx, req.ServerID, acting); err != nil {
		return nil, err
	}

	removed := false
	list, err := s.mutate(ctx, req.ServerID, func(current models.SubuserList) (models.SubuserList, bool) {
		var updated models.SubuserList
		updated, removed = current.Revoke(req.Target)
		return updated, removed
	})
	if err != nil {
		return nil, err
	}

	if removed {
		s.logger.Info("Revoked subuser", "server", req.ServerID, "by", req.Identity, "subuser", req.Target)
	}
	return list, nil
}

// ListSubusers returns the grants on a server. A server with no grants yields
// an empty list.
func (s *Service) ListSubusers(ctx context.Context, req ListSubusersRequest) (models.SubuserList, error) {
	if err := requireFields(map[string]any{
		"uuid":   req.Identity,
		"key":    req.Key,
		"server": req.ServerID,
	}, "uuid", "key", "server"); err != nil {
		return nil, err
	}
	if err := checkIDs(
		idField{"uuid", req.Identity},
		idField{"server", req.ServerID},
	); err != nil {
		return nil, err
	}

	if _, err := s.authenticate(ctx, req.Identity, req.Key); err != nil {
		return nil, err
	}

	current, err := s.subusers.GetByServer(ctx, req.ServerID)
	if err != nil {
		return nil, s.readError(req.ServerID, err)
	}
	return current.Entries, nil
}

// authenticate checks the presented key against the stored hash. Unknown
// identities and wrong keys look the same to the caller.
func (s *Service) authenticate(ctx context.Context, identity, key string) (*models.Account, error) {
	account, err := s.accounts.GetByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, NewError(KindNotAuthorized, MsgNotAuthorized, nil)
		}
		return nil, NewError(KindStorageError, MsgFetchRows, err)
	}

	ok, err := s.hasher.Verify(key, account.KeyHash)
	if err != nil {
		s.logger.Error("Stored key hash is unreadable", "identity", identity, "error", err)
		return nil, NewError(KindNotAuthorized, MsgNotAuthorized, err)
	}
	if !ok {
		return nil, NewError(KindNotAuthorized, MsgNotAuthorized, nil)
	}
	return account, nil
}

func (s *Service) checkTarget(ctx context.Context, target string) error {
	if _, err := s.accounts.GetByIdentity(ctx, target); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return NewError(KindNoSuchAccount, MsgNoSuchAccount, nil)
		}
		return NewError(KindStorageError, MsgFetchRows, err)
	}
	return nil
}

func (s *Service) checkServer(ctx context.Context, serverID string, acting *models.Account) error {
	exists, err := s.upstream.ServerExists(ctx, serverID, acting.AuthorizationToken)
	if err != nil {
		return NewError(KindUpstreamError, MsgUpstreamError, err)
	}
	if !exists {
		return NewError(KindNoSuchServer, MsgNoSuchServer, nil)
	}
	return nil
}

// mutate applies fn to the current list and writes the result if fn reports
// a change. A write that loses to a concurrent one is re-applied against the
// fresh list.
func (s *Service) mutate(ctx context.Context, serverID string, fn func(models.SubuserList) (models.SubuserList, bool)) (models.SubuserList, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.subusers.GetByServer(ctx, serverID)
		if err != nil {
			return nil, s.readError(serverID, err)
		}

		updated, changed := fn(current.Entries)
		if !changed {
			return updated, nil
		}

		_, err = s.subusers.ReplaceAll(ctx, serverID, updated, current.Version)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < maxWriteAttempts {
			s.logger.Debug("Subuser list changed concurrently, retrying", "server", serverID, "attempt", attempt)
			continue
		}
		return nil, NewError(KindStorageError, MsgSaveSubusers, err)
	}
}

func (s *Service) readError(serverID string, err error) error {
	var corrupt *models.CorruptDataError
	if errors.As(err, &corrupt) {
		s.logger.Error("Stored subuser list is corrupt", "server", serverID, "error", err)
		return NewError(KindCorruptData, MsgFetchSubusers, err)
	}
	return NewError(KindStorageError, MsgFetchSubusers, err)
}

type idField struct {
	name  string
	value string
}

// checkIDs reports the first field that is not an upstream id.
func checkIDs(fields ...idField) error {
	for _, f := range fields {
		if !models.IsValidID(f.value) {
			return invalidFormat(f.name)
		}
	}
	return nil
}

func requireFields(body map[string]any, fields ...string) error {
	if err := utils.RequireFields(body, fields...); err != nil {
		return NewError(KindMissingFields, err.Error(), err)
	}
	return nil
}

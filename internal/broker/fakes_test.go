package broker

import (
	"context"
	"errors"
	"sync"

	"subuser_broker/internal/models"
	"subuser_broker/internal/storage"
	"subuser_broker/internal/upstream"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	err      error
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: make(map[string]models.Account)}
}

func (f *fakeAccounts) GetByIdentity(ctx context.Context, identity string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.accounts[identity]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return &a, nil
}

func (f *fakeAccounts) Upsert(ctx context.Context, account *models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.accounts[account.Identity] = *account
	return nil
}

type subuserRow struct {
	data    []byte
	version int64
}

// fakeSubusers stores encoded lists and enforces the same version check as
// the SQL repository.
type fakeSubusers struct {
	mu     sync.Mutex
	rows   map[string]subuserRow
	writes int

	// beforeWrite runs without the lock held, between a read and its write.
	beforeWrite func()
	readErr     error
	writeErr    error
}

func newFakeSubusers() *fakeSubusers {
	return &fakeSubusers{rows: make(map[string]subuserRow)}
}

func (f *fakeSubusers) GetByServer(ctx context.Context, serverID string) (*models.ServerSubusers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	row, ok := f.rows[serverID]
	if !ok {
		return &models.ServerSubusers{ServerID: serverID, Entries: models.SubuserList{}}, nil
	}
	entries, err := models.DecodeSubuserList(row.data)
	if err != nil {
		return nil, err
	}
	return &models.ServerSubusers{ServerID: serverID, Entries: entries, Version: row.version}, nil
}

func (f *fakeSubusers) ReplaceAll(ctx context.Context, serverID string, entries models.SubuserList, expectedVersion int64) (int64, error) {
	if hook := f.beforeWrite; hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	row := f.rows[serverID]
	if row.version != expectedVersion {
		return 0, storage.ErrVersionConflict
	}
	data, err := entries.Encode()
	if err != nil {
		return 0, err
	}
	f.rows[serverID] = subuserRow{data: data, version: expectedVersion + 1}
	f.writes++
	return expectedVersion + 1, nil
}

type fakeUpstream struct {
	mu       sync.Mutex
	identity string
	loginErr error

	servers   map[string]bool
	serverErr error
	seenToken string
	lookups   int
}

func (f *fakeUpstream) Login(ctx context.Context, creds upstream.Credentials) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	if creds.Token == "" {
		return "", upstream.ErrInvalidCredentials
	}
	return f.identity, nil
}

func (f *fakeUpstream) ServerExists(ctx context.Context, serverID, authToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenToken = authToken
	f.lookups++
	if f.serverErr != nil {
		return false, f.serverErr
	}
	return f.servers[serverID], nil
}

var errBoom = errors.New("boom")

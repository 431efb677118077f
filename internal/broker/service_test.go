package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subuser_broker/internal/auth"
	"subuser_broker/internal/models"
	"subuser_broker/internal/storage"
	"subuser_broker/internal/upstream"
)

const (
	owner  = "aaaaaaaaaaaaaaaaaaaaaaaa"
	friend = "bbbbbbbbbbbbbbbbbbbbbbbb"
	other  = "cccccccccccccccccccccccc"
	server = "5f8d0d55b54764421b7156c9"
)

type testEnv struct {
	svc      *Service
	accounts *fakeAccounts
	subusers *fakeSubusers
	upstream *fakeUpstream
	keys     map[string]string // identity -> plaintext key
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		accounts: newFakeAccounts(),
		subusers: newFakeSubusers(),
		upstream: &fakeUpstream{servers: map[string]bool{server: true}},
		keys:     make(map[string]string),
	}
	hasher := auth.NewHasher(auth.Params{Time: 1, Memory: 64, Threads: 1, KeyLength: 32, SaltLength: 16})
	env.svc = NewService(env.accounts, env.subusers, env.upstream, hasher, nil)

	for _, id := range []string{owner, friend, other} {
		env.issue(t, id)
	}
	return env
}

func (e *testEnv) issue(t *testing.T, identity string) string {
	t.Helper()
	e.upstream.identity = identity
	issued, err := e.svc.IssueKey(context.Background(), IssueKeyRequest{
		Token:      "token-" + identity,
		SlgSession: "session",
		SlgUser:    "user",
	})
	require.NoError(t, err)
	e.keys[identity] = issued.Key
	return issued.Key
}

func (e *testEnv) add(target string, perms ...string) (models.SubuserList, error) {
	return e.svc.AddSubuser(context.Background(), AddSubuserRequest{
		Identity:    owner,
		Key:         e.keys[owner],
		ServerID:    server,
		Target:      target,
		Permissions: perms,
	})
}

func assertKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, KindOf(err), "error: %v", err)
}

func TestIssueKey(t *testing.T) {
	env := newTestEnv(t)

	stored, err := env.accounts.GetByIdentity(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, "token-"+owner, stored.AuthorizationToken)
	assert.Equal(t, "session", stored.SessionToken)
	assert.Equal(t, "user", stored.UserToken)
	assert.NotContains(t, stored.KeyHash, env.keys[owner])
	assert.Len(t, env.keys[owner], auth.APIKeyBytes*2)
}

func TestIssueKey_ReissueInvalidatesOldKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	oldKey := env.keys[owner]

	newKey := env.issue(t, owner)
	require.NotEqual(t, oldKey, newKey)

	_, err := env.svc.ListSubusers(ctx, ListSubusersRequest{Identity: owner, Key: oldKey, ServerID: server})
	assertKind(t, err, KindNotAuthorized)

	_, err = env.svc.ListSubusers(ctx, ListSubusersRequest{Identity: owner, Key: newKey, ServerID: server})
	assert.NoError(t, err)
}

func TestIssueKey_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *testEnv)
		req   IssueKeyRequest
		want  Kind
	}{
		{
			name: "missing fields",
			req:  IssueKeyRequest{Token: "t"},
			want: KindMissingFields,
		},
		{
			name:  "rejected credentials",
			setup: func(env *testEnv) { env.upstream.loginErr = upstream.ErrInvalidCredentials },
			req:   IssueKeyRequest{Token: "t", SlgSession: "s", SlgUser: "u"},
			want:  KindInvalidCredentials,
		},
		{
			name:  "upstream down",
			setup: func(env *testEnv) { env.upstream.loginErr = fmt.Errorf("%w: status=502", upstream.ErrUpstream) },
			req:   IssueKeyRequest{Token: "t", SlgSession: "s", SlgUser: "u"},
			want:  KindUpstreamError,
		},
		{
			name:  "malformed identity",
			setup: func(env *testEnv) { env.upstream.identity = "nope" },
			req:   IssueKeyRequest{Token: "t", SlgSession: "s", SlgUser: "u"},
			want:  KindUpstreamError,
		},
		{
			name:  "storage failure",
			setup: func(env *testEnv) { env.accounts.err = errBoom },
			req:   IssueKeyRequest{Token: "t", SlgSession: "s", SlgUser: "u"},
			want:  KindStorageError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.upstream.identity = owner
			if tt.setup != nil {
				tt.setup(env)
			}
			_, err := env.svc.IssueKey(context.Background(), tt.req)
			assertKind(t, err, tt.want)
		})
	}
}

func TestIssueKey_MissingFieldsMessage(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.IssueKey(context.Background(), IssueKeyRequest{SlgSession: "s"})

	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "Invalid request. Please supply the fields 'token', 'slgUser'.", berr.Message)
}

func TestAddSubuser(t *testing.T) {
	env := newTestEnv(t)

	list, err := env.add(friend, "start", "stop")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, friend, list[0].UUID)
	assert.Equal(t, []models.Permission{models.PermissionStart, models.PermissionStop}, list[0].Permissions)

	// The acting account's upstream token is used for the existence check.
	assert.Equal(t, "token-"+owner, env.upstream.seenToken)
}

func TestAddSubuser_TwiceOverrides(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.add(friend, "start")
	require.NoError(t, err)
	_, err = env.add(other, "console")
	require.NoError(t, err)
	list, err := env.add(friend, "viewLogs", "editFiles")
	require.NoError(t, err)

	require.Len(t, list, 2)
	assert.Equal(t, friend, list[0].UUID)
	assert.Equal(t, []models.Permission{models.PermissionViewLogs, models.PermissionEditFiles}, list[0].Permissions)
	assert.Equal(t, other, list[1].UUID)
}

func TestAddSubuser_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *testEnv)
		req   func(env *testEnv) AddSubuserRequest
		want  Kind
		msg   string
	}{
		{
			name: "missing permissions",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: friend}
			},
			want: KindMissingFields,
			msg:  "Invalid request. Please supply the fields 'permissions'.",
		},
		{
			name: "malformed acting identity",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: "owner", Key: "k", ServerID: server, Target: friend, Permissions: []string{"start"}}
			},
			want: KindInvalidFormat,
		},
		{
			name: "malformed target",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: "k", ServerID: server, Target: "BBBBBBBBBBBBBBBBBBBBBBBB", Permissions: []string{"start"}}
			},
			want: KindInvalidFormat,
			msg:  "The field 'subuserUUID' must be a 24 character hexadecimal id.",
		},
		{
			name: "malformed server",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: "k", ServerID: "abc", Target: friend, Permissions: []string{"start"}}
			},
			want: KindInvalidFormat,
		},
		{
			name: "invalid permissions checked before authentication",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: "wrong", ServerID: server, Target: friend, Permissions: []string{"start", "fly", "swim"}}
			},
			want: KindInvalidPermission,
			msg:  "Invalid permissions were provided: 'fly', 'swim'.",
		},
		{
			name: "wrong key",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: env.keys[friend], ServerID: server, Target: friend, Permissions: []string{"start"}}
			},
			want: KindNotAuthorized,
			msg:  MsgNotAuthorized,
		},
		{
			name: "unknown acting identity",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: "dddddddddddddddddddddddd", Key: "k", ServerID: server, Target: friend, Permissions: []string{"start"}}
			},
			want: KindNotAuthorized,
			msg:  MsgNotAuthorized,
		},
		{
			name: "unknown target",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: "dddddddddddddddddddddddd", Permissions: []string{"start"}}
			},
			want: KindNoSuchAccount,
			msg:  MsgNoSuchAccount,
		},
		{
			name: "unknown server",
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: "eeeeeeeeeeeeeeeeeeeeeeee", Target: friend, Permissions: []string{"start"}}
			},
			want: KindNoSuchServer,
			msg:  MsgNoSuchServer,
		},
		{
			name:  "upstream unavailable",
			setup: func(env *testEnv) { env.upstream.serverErr = upstream.ErrUpstream },
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: friend, Permissions: []string{"start"}}
			},
			want: KindUpstreamError,
		},
		{
			name:  "read failure",
			setup: func(env *testEnv) { env.subusers.readErr = errBoom },
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: friend, Permissions: []string{"start"}}
			},
			want: KindStorageError,
			msg:  MsgFetchSubusers,
		},
		{
			name:  "corrupt stored list",
			setup: func(env *testEnv) { env.subusers.rows[server] = subuserRow{data: []byte(`{"x":1}`), version: 1} },
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: friend, Permissions: []string{"start"}}
			},
			want: KindCorruptData,
		},
		{
			name:  "write failure",
			setup: func(env *testEnv) { env.subusers.writeErr = errBoom },
			req: func(env *testEnv) AddSubuserRequest {
				return AddSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: friend, Permissions: []string{"start"}}
			},
			want: KindStorageError,
			msg:  MsgSaveSubusers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			_, err := env.svc.AddSubuser(context.Background(), tt.req(env))
			assertKind(t, err, tt.want)
			if tt.msg != "" {
				var berr *Error
				require.ErrorAs(t, err, &berr)
				assert.Equal(t, tt.msg, berr.Message)
			}
			assert.Equal(t, 0, env.subusers.writes)
		})
	}
}

func TestAuthenticate_UnreadableHash(t *testing.T) {
	env := newTestEnv(t)
	acct := env.accounts.accounts[owner]
	acct.KeyHash = "garbage"
	env.accounts.accounts[owner] = acct

	_, err := env.svc.ListSubusers(context.Background(), ListSubusersRequest{Identity: owner, Key: env.keys[owner], ServerID: server})
	assertKind(t, err, KindNotAuthorized)

	var malformed *auth.MalformedHashError
	assert.True(t, errors.As(err, &malformed))
}

func TestRemoveSubuser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.add(friend, "start")
	require.NoError(t, err)
	_, err = env.add(other, "stop")
	require.NoError(t, err)

	list, err := env.svc.RemoveSubuser(ctx, RemoveSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: friend})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, other, list[0].UUID)
	assert.Equal(t, 3, env.subusers.writes)
}

func TestRemoveSubuser_AbsentIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.add(other, "stop")
	require.NoError(t, err)

	list, err := env.svc.RemoveSubuser(ctx, RemoveSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: friend})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, other, list[0].UUID)
	assert.Equal(t, 1, env.subusers.writes, "no-op remove must not write")
}

func TestRemoveSubuser_Failures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RemoveSubuser(ctx, RemoveSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server})
	assertKind(t, err, KindMissingFields)

	_, err = env.svc.RemoveSubuser(ctx, RemoveSubuserRequest{Identity: owner, Key: "nope", ServerID: server, Target: friend})
	assertKind(t, err, KindNotAuthorized)

	_, err = env.svc.RemoveSubuser(ctx, RemoveSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: server, Target: "dddddddddddddddddddddddd"})
	assertKind(t, err, KindNoSuchAccount)

	_, err = env.svc.RemoveSubuser(ctx, RemoveSubuserRequest{Identity: owner, Key: env.keys[owner], ServerID: "eeeeeeeeeeeeeeeeeeeeeeee", Target: friend})
	assertKind(t, err, KindNoSuchServer)
}

func TestListSubusers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	list, err := env.svc.ListSubusers(ctx, ListSubusersRequest{Identity: owner, Key: env.keys[owner], ServerID: server})
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	_, err = env.add(friend, "start")
	require.NoError(t, err)

	// Any authenticated identity can read the list.
	list, err = env.svc.ListSubusers(ctx, ListSubusersRequest{Identity: other, Key: env.keys[other], ServerID: server})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, friend, list[0].UUID)

	_, err = env.svc.ListSubusers(ctx, ListSubusersRequest{Identity: owner, Key: "nope", ServerID: server})
	assertKind(t, err, KindNotAuthorized)
}

func TestAddSubuser_RetriesAfterConflict(t *testing.T) {
	env := newTestEnv(t)

	// A competing writer lands between our read and our first write.
	raced := false
	env.subusers.beforeWrite = func() {
		if raced {
			return
		}
		raced = true
		env.subusers.beforeWrite = nil
		_, err := env.add(other, "console")
		require.NoError(t, err)
	}

	list, err := env.add(friend, "start")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, other, list[0].UUID)
	assert.Equal(t, friend, list[1].UUID)
}

func TestAddSubuser_GivesUpAfterRepeatedConflicts(t *testing.T) {
	env := newTestEnv(t)

	// Every write is preceded by another writer bumping the version.
	env.subusers.beforeWrite = func() {
		env.subusers.mu.Lock()
		defer env.subusers.mu.Unlock()
		row := env.subusers.rows[server]
		if row.data == nil {
			row.data = []byte("[]")
		}
		row.version++
		env.subusers.rows[server] = row
	}

	_, err := env.add(friend, "start")
	assertKind(t, err, KindStorageError)
	assert.True(t, errors.Is(err, storage.ErrVersionConflict))
}

func TestAddSubuser_ConcurrentAddsBothSurvive(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, target := range []string{friend, other} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			_, err := env.add(target, "start")
			errs <- err
		}(target)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := env.svc.ListSubusers(context.Background(), ListSubusersRequest{Identity: owner, Key: env.keys[owner], ServerID: server})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.GreaterOrEqual(t, list.Find(friend), 0)
	assert.GreaterOrEqual(t, list.Find(other), 0)
}

func TestKind(t *testing.T) {
	assert.True(t, KindNotAuthorized.IsClientError())
	assert.True(t, KindMissingFields.IsClientError())
	assert.False(t, KindStorageError.IsClientError())
	assert.False(t, KindUpstreamError.IsClientError())
	assert.False(t, KindCorruptData.IsClientError())
	assert.Equal(t, "NoSuchServer", KindNoSuchServer.String())
	assert.Equal(t, Kind(0), KindOf(errBoom))
}

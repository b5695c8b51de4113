package auth

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKeyRepo struct {
	keys map[string]*APIKeyInfo
	err  error
}

func (m *mockKeyRepo) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.keys[hash]
	if !ok {
		return nil, ErrUnknownKey
	}
	return info, nil
}

func TestAuthenticator(t *testing.T) {
	pepper := []byte("pepper")
	adminHash := Hash(pepper, "admin-key")
	readerHash := Hash(pepper, "reader-key")

	repo := &mockKeyRepo{keys: map[string]*APIKeyInfo{
		adminHash:  {ID: "k1", KeyHash: adminHash, Name: "ops", Scopes: []string{ScopeAdmin}},
		readerHash: {ID: "k2", KeyHash: readerHash, Name: "reader", Scopes: []string{"read"}},
	}}
	a := NewAuthenticator(repo, pepper)
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		wantErr error
		wantID  string
	}{
		{name: "admin key", key: "admin-key", wantID: "k1"},
		{name: "missing scope", key: "reader-key", wantErr: ErrMissingScope},
		{name: "unknown key", key: "nope", wantErr: ErrUnknownKey},
		{name: "empty key", key: "", wantErr: ErrUnknownKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := a.Authenticate(ctx, tt.key, ScopeAdmin)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, info.ID)
		})
	}

	t.Run("wrong pepper", func(t *testing.T) {
		_, err := NewAuthenticator(repo, []byte("other")).Authenticate(ctx, "admin-key", ScopeAdmin)
		require.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("storage failure", func(t *testing.T) {
		boom := errors.New("db down")
		_, err := NewAuthenticator(&mockKeyRepo{err: boom}, pepper).Authenticate(ctx, "admin-key", ScopeAdmin)
		require.ErrorIs(t, err, boom)
	})
}

func TestHash_Deterministic(t *testing.T) {
	assert.Equal(t, Hash([]byte("p"), "k"), Hash([]byte("p"), "k"))
	assert.NotEqual(t, Hash([]byte("p"), "k"), Hash([]byte("q"), "k"))
	assert.Len(t, Hash([]byte("p"), "k"), 64)
}

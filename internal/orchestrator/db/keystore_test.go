package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chiquitav2/vnas-orchestrator/pkg/crypto"
	applogger "github.com/chiquitav2/vnas-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStore_GetOrCreateIsStable(t *testing.T) {
	ks := NewKeyStore(NewTestStore(t))
	ctx := context.Background()

	first, err := ks.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	second, err := ks.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)

	pub, err := crypto.PublicKeyOf(first.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, pub)

	other, err := ks.GetOrCreate(ctx, "u2")
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey, other.PublicKey)
}

func TestKeyStore_DeleteRotatesKey(t *testing.T) {
	ks := NewKeyStore(NewTestStore(t))
	ctx := context.Background()

	before, err := ks.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, ks.Delete(ctx, "u1"))
	require.NoError(t, ks.Delete(ctx, "u1"), "deleting twice is a no-op")

	after, err := ks.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, before.PublicKey, after.PublicKey)
}

func TestKeyStore_ConcurrentFirstUseConverges(t *testing.T) {
	ks := NewKeyStore(NewTestStore(t))
	ctx := context.Background()

	const n = 8
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := ks.GetOrCreate(ctx, "u1")
			if assert.NoError(t, err) {
				results[i] = kp.PublicKey
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestNewStore_OnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keys.db")
	store, err := NewStore(&Config{Path: path}, applogger.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))

	kp, err := NewKeyStore(store).GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, kp.PrivateKey)
}

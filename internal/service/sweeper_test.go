package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salescrm/pairing-server/internal/model"
)

func newTestSweeper(env *testEnv, maxLifetime, retention time.Duration) *Sweeper {
	return NewSweeper(env.repo, env.provider, env.reconciler, env.cleanup, maxLifetime, retention)
}

func TestSweeper_RefreshPending(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	ctx := context.Background()

	env.insert(t, "a", "owner-1", model.SessionStatusWaitingQR, strPtr(samplePNG), time.Now())
	env.insert(t, "b", "owner-2", model.SessionStatusCreating, nil, time.Now())
	env.insert(t, "c", "owner-3", model.SessionStatusConnecting, nil, time.Now())
	env.insert(t, "d", "owner-4", model.SessionStatusConnected, nil, time.Now())

	env.provider.setStatus("crm-a", "WORKING", `{"status":"WORKING","phone":"111"}`)
	env.provider.setStatus("crm-b", "SCAN_QR_CODE", `{"status":"SCAN_QR_CODE","qr":"`+samplePNG+`"}`)
	// crm-c is unknown to the provider and is skipped.

	applied, err := newTestSweeper(env, 0, 0).RefreshPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), applied)

	assert.Equal(t, model.SessionStatusConnected, env.find(t, "a").Status)
	assert.Equal(t, model.SessionStatusWaitingQR, env.find(t, "b").Status)
	assert.Equal(t, model.SessionStatusConnecting, env.find(t, "c").Status)
	assert.Zero(t, env.provider.count("status", "crm-d"), "connected rows are not polled")
}

func TestSweeper_ExpirePending(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled by default", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		env.insert(t, "old", "owner-1", model.SessionStatusWaitingQR, strPtr(samplePNG), time.Now().Add(-48*time.Hour))

		expired, err := newTestSweeper(env, 0, 0).ExpirePending(ctx)
		require.NoError(t, err)
		assert.Zero(t, expired)
		assert.NotNil(t, env.find(t, "old"))
	})

	t.Run("removes pending sessions past the lifetime", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		env.insert(t, "old", "owner-1", model.SessionStatusWaitingQR, strPtr(samplePNG), time.Now().Add(-time.Hour))
		env.insert(t, "fresh", "owner-1", model.SessionStatusCreating, nil, time.Now())
		env.insert(t, "old-connected", "owner-2", model.SessionStatusConnected, nil, time.Now().Add(-time.Hour))

		expired, err := newTestSweeper(env, 10*time.Minute, 0).ExpirePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), expired)

		assert.Nil(t, env.find(t, "old"))
		assert.NotNil(t, env.find(t, "fresh"))
		assert.NotNil(t, env.find(t, "old-connected"))
		assert.Equal(t, 1, env.provider.count("terminate", "crm-old"))
		assert.Equal(t, 1, env.provider.count("delete", "crm-old"))
	})
}

func TestSweeper_PurgeDisconnected(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	ctx := context.Background()

	env.insert(t, "old", "owner-1", model.SessionStatusDisconnected, nil, time.Now().Add(-48*time.Hour))
	env.insert(t, "recent", "owner-1", model.SessionStatusDisconnected, nil, time.Now())

	purged, err := newTestSweeper(env, 0, 24*time.Hour).PurgeDisconnected(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Nil(t, env.find(t, "old"))
	assert.NotNil(t, env.find(t, "recent"))

	purged, err = newTestSweeper(env, 0, 0).PurgeDisconnected(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

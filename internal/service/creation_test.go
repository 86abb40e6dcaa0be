package service

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/salescrm/pairing-server/internal/errors"
	"github.com/salescrm/pairing-server/internal/model"
)

func TestCreateSession_WithImmediateArtifact(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	ctx := context.Background()

	env.provider.setCreate(`{"name":"x","qr":"data:image/png;base64,`+samplePNG+`"}`, nil)

	result, err := env.creator.CreateSession(ctx, "owner-1")
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusWaitingQR, result.Status)
	require.NotNil(t, result.Artifact)
	assert.Equal(t, samplePNG, *result.Artifact)

	row := env.find(t, result.SessionID)
	require.NotNil(t, row)
	assert.Equal(t, "owner-1", row.OwnerID)
	assert.Equal(t, result.SessionName, row.SessionName)
	assert.Equal(t, model.SessionStatusWaitingQR, row.Status)
	require.NotNil(t, row.PairingArtifact)
	assert.Equal(t, samplePNG, *row.PairingArtifact)
	assert.Equal(t, 1, env.provider.count("create", result.SessionName))
}

func TestCreateSession_WithoutArtifactThenPush(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	ctx := context.Background()

	// "result" here is an acknowledgement, not a wrapped artifact.
	env.provider.setCreate(`{"name":"x","status":"STARTING","result":"ok"}`, nil)

	result, err := env.creator.CreateSession(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCreating, result.Status)
	assert.Nil(t, result.Artifact)

	row := env.find(t, result.SessionID)
	assert.Equal(t, model.SessionStatusCreating, row.Status)
	assert.Nil(t, row.PairingArtifact)

	rec, err := env.reconciler.ReconcileByName(ctx, result.SessionName, model.SessionUpdate{
		Status:   model.SessionStatusWaitingQR,
		Artifact: strPtr(samplePNG),
		Source:   model.SourceWebhook,
	})
	require.NoError(t, err)
	assert.True(t, rec.Applied())

	row = env.find(t, result.SessionID)
	assert.Equal(t, model.SessionStatusWaitingQR, row.Status)
	require.NotNil(t, row.PairingArtifact)
	assert.Equal(t, samplePNG, *row.PairingArtifact)
}

func TestCreateSession_ProviderUnavailable(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	env.provider.setCreate("", errProviderDown)

	result, err := env.creator.CreateSession(context.Background(), "owner-1")
	assert.Nil(t, result)
	assert.Equal(t, apperrors.ErrCodeProviderUnavailable, apperrors.GetCode(err))
	assert.ErrorIs(t, err, errProviderDown)

	pending, err := env.repo.FindPendingByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateSession_InvalidArtifact(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	env.provider.setCreate(`{"qr":"data:image/png;base64,AAAA"}`, nil)

	result, err := env.creator.CreateSession(context.Background(), "owner-1")
	assert.Nil(t, result)
	assert.Equal(t, apperrors.ErrCodeInvalidArtifact, apperrors.GetCode(err))

	pending, err := env.repo.FindPendingByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	env.cleanup.Wait()
	names := env.provider.callsFor("create")
	require.Len(t, names, 1)
	assert.Equal(t, 1, env.provider.count("delete", names[0]), "remote session is discarded")
}

func TestCreateSession_StoreFailureSkipsSetup(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	ctx := context.Background()

	_, err := env.db.ExecContext(ctx, `DROP TABLE pairing_sessions`)
	require.NoError(t, err)

	result, err := env.creator.CreateSession(ctx, "owner-1")
	assert.Nil(t, result)
	assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))

	env.creator.WaitSetup()
	env.cleanup.Wait()

	created := env.provider.callsFor("create")
	require.Len(t, created, 1)
	assert.Empty(t, env.provider.callsFor("register_push_target"))
	assert.Empty(t, env.provider.callsFor("set_presence"))
	assert.Empty(t, env.provider.callsFor("ensure_organization"))
	assert.Equal(t, 1, env.provider.count("terminate", created[0]))
	assert.Equal(t, 1, env.provider.count("delete", created[0]))
}

func TestCreateSession_SetupFanOut(t *testing.T) {
	t.Run("runs every setup task without waiting for them", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		env.provider.blockSetup = make(chan struct{})

		done := make(chan struct{})
		var result *CreateSessionResult
		go func() {
			defer close(done)
			var err error
			result, err = env.creator.CreateSession(context.Background(), "owner-1")
			assert.NoError(t, err)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("creation waited for setup tasks")
		}
		assert.Empty(t, env.provider.callsFor("set_presence"))

		close(env.provider.blockSetup)
		env.creator.WaitSetup()

		require.NotNil(t, result)
		assert.Equal(t, 1, env.provider.count("register_push_target", result.SessionName+" https://crm.example.com/provider/webhook"))
		assert.Equal(t, 1, env.provider.count("set_presence", result.SessionName+" available"))
		assert.Equal(t, 1, env.provider.count("ensure_organization", "owner-1"))
	})

	t.Run("a failing task does not stop its siblings or the creation", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		env.provider.fail("register_push_target", errProviderDown)
		env.provider.fail("ensure_organization", errProviderDown)

		result, err := env.creator.CreateSession(context.Background(), "owner-1")
		require.NoError(t, err)
		env.creator.WaitSetup()

		assert.Equal(t, 1, env.provider.count("set_presence", result.SessionName+" available"))
		assert.Len(t, env.provider.callsFor("register_push_target"), 1)
		assert.Len(t, env.provider.callsFor("ensure_organization"), 1)
		assert.NotNil(t, env.find(t, result.SessionID))
	})
}

func TestCreateSession_CleansUpPreviousAttempt(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	ctx := context.Background()

	old := env.insert(t, "old", "owner-1", model.SessionStatusWaitingQR, strPtr(samplePNG), time.Now().Add(-time.Minute))
	connected := env.insert(t, "live", "owner-1", model.SessionStatusConnected, nil, time.Now().Add(-time.Hour))
	other := env.insert(t, "other", "owner-2", model.SessionStatusWaitingQR, strPtr(samplePNG), time.Now())

	env.provider.blockTerminate = make(chan struct{})

	result, err := env.creator.CreateSession(ctx, "owner-1")
	require.NoError(t, err)

	// Creation returned while the old session's remote teardown is still held.
	assert.NotNil(t, env.find(t, result.SessionID))

	close(env.provider.blockTerminate)
	env.cleanup.Wait()

	assert.Nil(t, env.find(t, old.ID), "abandoned row removed")
	assert.Equal(t, 1, env.provider.count("terminate", old.SessionName))
	assert.Equal(t, 1, env.provider.count("delete", old.SessionName))

	assert.NotNil(t, env.find(t, result.SessionID), "new row kept")
	assert.Equal(t, model.SessionStatusConnected, env.find(t, connected.ID).Status, "connected row untouched")
	assert.NotNil(t, env.find(t, other.ID), "other owner untouched")
	assert.Zero(t, env.provider.count("terminate", connected.SessionName))
}

func TestNewSessionName(t *testing.T) {
	pattern := regexp.MustCompile(`^crm-[a-z0-9]{1,8}-[0-9a-z]{26}$`)

	t.Run("format", func(t *testing.T) {
		name := newSessionName("Owner_42-ABCDEFGH")
		assert.True(t, pattern.MatchString(name), name)
		assert.True(t, strings.HasPrefix(name, "crm-owner42a-"), name)
	})

	t.Run("unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			name := newSessionName("owner-1")
			assert.False(t, seen[name], "duplicate name %s", name)
			seen[name] = true
		}
	})

	t.Run("owner without usable characters", func(t *testing.T) {
		name := newSessionName("@@@")
		assert.True(t, strings.HasPrefix(name, "crm-owner-"), name)
	})
}

package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/consultly/call-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepMarksStaleCallsMissed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// the sweep compares against wall-clock time, so back-date the record
	*env.clock = time.Now().Add(-2 * time.Minute)
	stale := env.initiate(t, "room-1")

	*env.clock = time.Now()
	fresh := env.initiateAs(t, "dave", "room-3")

	reaper := NewTimeoutReaper(env.svc, env.repos, time.Second, time.Minute, 2*time.Hour)
	reaper.Sweep(ctx)

	got, err := env.svc.Get(ctx, stale.Call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, got.Status)
	assert.Equal(t, 1, env.media.deleteCount(stale.MediaRoomName))

	got, err = env.svc.Get(ctx, fresh.Call.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiated, got.Status)

	// a second sweep finds nothing left to do
	reaper.Sweep(ctx)
	got, err = env.svc.Get(ctx, stale.Call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, got.Status)
	assert.Equal(t, 1, env.media.deleteCount(stale.MediaRoomName))
}

func TestSweepForceEndsOverlongCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	*env.clock = time.Now().Add(-3 * time.Hour)
	resp := env.initiate(t, "room-1")
	_, err := env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	reaper := NewTimeoutReaper(env.svc, env.repos, time.Second, time.Minute, 2*time.Hour)
	reaper.Sweep(ctx)

	got, err := env.svc.Get(ctx, resp.Call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, got.Status)

	events := env.repos.Events()
	last := events[len(events)-1]
	assert.Equal(t, "max_duration_exceeded", last.Metadata["reason"])
}

func TestSweepRetriesFailedRoomTeardown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.initiate(t, "room-1")

	// the teardown at rejection time fails; the record stays unreleased
	env.media.deleteErr = errors.New("livekit unavailable")
	_, err := env.svc.Reject(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, env.media.deleteCount(resp.MediaRoomName))

	// next sweep reconciles once the server is reachable again
	env.media.deleteErr = nil
	reaper := NewTimeoutReaper(env.svc, env.repos, time.Second, time.Minute, 2*time.Hour)
	reaper.Sweep(ctx)

	assert.Equal(t, 1, env.media.deleteCount(resp.MediaRoomName))

	// and the release is recorded, so further sweeps skip the call
	reaper.Sweep(ctx)
	assert.Equal(t, 1, env.media.deleteCount(resp.MediaRoomName))
}

package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/events"
	testutil "github.com/aristath/canopy/internal/testing"
)

func newTestSink(t *testing.T, em *events.Manager) (*Sink, *Repository, func()) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "canopy")
	repo := NewRepository(db.Conn(), zerolog.Nop())
	s := NewSink(repo, em, zerolog.Nop())
	s.now = func() time.Time { return testutil.FixedNow }
	return s, repo, cleanup
}

func TestSink_NotifyStoresAndPublishes(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	s, _, cleanup := newTestSink(t, events.NewManager(bus, zerolog.Nop()))
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, domain.DeviceShellyHT, "shelly_ht unreachable for 2h0m0s", domain.SeverityAlert))
	require.NoError(t, s.Notify(ctx, string(domain.ActuatorHVAC), "hvac command failed", domain.SeverityCritical))

	list, err := s.List(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.SeverityCritical, list[0].Severity)
	assert.Equal(t, "hvac", list[0].Source)
	assert.Equal(t, testutil.FixedNow, list[0].CreatedAt)
	assert.Nil(t, list[0].AcknowledgedAt)

	ev := <-ch
	assert.Equal(t, events.AlertRaised, ev.Type)
	assert.Equal(t, domain.DeviceShellyHT, ev.Data["source"])
	assert.Equal(t, "alert", ev.Data["severity"])
	assert.EqualValues(t, 1, ev.Data["id"])
}

func TestSink_Acknowledge(t *testing.T) {
	s, repo, cleanup := newTestSink(t, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, "maintenance", "disk low", domain.SeverityWarning))
	require.NoError(t, s.Notify(ctx, "maintenance", "backup failed", domain.SeverityAlert))

	open, err := s.List(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, open, 2)

	require.NoError(t, s.Acknowledge(ctx, open[1].ID))
	s.now = func() time.Time { return testutil.FixedNow.Add(time.Hour) }
	require.NoError(t, s.Acknowledge(ctx, open[1].ID), "second acknowledge is a no-op")

	n, err := repo.CountUnacknowledged(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.List(ctx, false, 10)
	require.NoError(t, err)
	require.NotNil(t, all[1].AcknowledgedAt)
	assert.Equal(t, testutil.FixedNow, *all[1].AcknowledgedAt)

	err = s.Acknowledge(ctx, 999)
	assert.True(t, errors.Is(err, ErrAlertNotFound))
}

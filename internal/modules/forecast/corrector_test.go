package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/reliability"
	testutil "github.com/aristath/canopy/internal/testing"
)

type mockForecastClient struct {
	mock.Mock
}

func (m *mockForecastClient) Fetch(ctx context.Context, hours int) (domain.Forecast, error) {
	args := m.Called(ctx, hours)
	return args.Get(0).(domain.Forecast), args.Error(1)
}

func newRetryFallback() *reliability.RetryFallback {
	tracker := reliability.NewHealthTracker(reliability.HealthConfig{}, nil, nil, zerolog.Nop())
	return reliability.NewRetryFallback(reliability.Config{
		ConnectTimeout: 20 * time.Millisecond,
		ReadTimeout:    20 * time.Millisecond,
		RetryDelay:     time.Millisecond,
	}, tracker, zerolog.Nop())
}

func station(tempF float64) *domain.StationReading {
	return &domain.StationReading{TempF: tempF, Humidity: 40, IrradianceWm2: 800, WindMph: 3, ObservedAt: testutil.FixedNow}
}

func hourlyForecast(start time.Time, temps ...float64) domain.Forecast {
	points := make([]domain.ForecastPoint, len(temps))
	for i, t := range temps {
		points[i] = domain.ForecastPoint{
			Offset:        time.Duration(i) * time.Hour,
			TempF:         t,
			IrradianceWm2: 800,
			Humidity:      40,
			WindMph:       3,
			IsDay:         true,
		}
	}
	return domain.NewForecast(start, start, domain.ForecastRaw, points)
}

func TestApply_FlatDeltaWithinHorizon(t *testing.T) {
	start := testutil.FixedNow.Add(-time.Hour)
	raw := hourlyForecast(start, 80, 82, 84, 86, 88, 90, 92, 94, 96, 98)

	corrected, d, ok := Apply(raw, *station(85), testutil.FixedNow, 6*time.Hour, 90*time.Minute)

	require.True(t, ok)
	assert.InDelta(t, 3.0, d.TempF, 1e-9)
	assert.Equal(t, domain.ForecastCorrected, corrected.Kind)
	assert.Equal(t, 3.0, corrected.BiasDeltaF)

	// before the aligned point: untouched
	assert.Equal(t, 80.0, corrected.Points[0].TempF)
	// aligned point through six hours later: shifted by the same delta
	for i := 1; i <= 7; i++ {
		assert.InDelta(t, raw.Points[i].TempF+3, corrected.Points[i].TempF, 1e-9, "point %d", i)
	}
	// beyond the horizon: untouched
	assert.Equal(t, raw.Points[8].TempF, corrected.Points[8].TempF)
	// raw is not modified
	assert.Equal(t, 82.0, raw.Points[1].TempF)
}

func TestApply_ClampsNonNegativeFields(t *testing.T) {
	raw := hourlyForecast(testutil.FixedNow, 70, 70)
	raw.Points[1].IrradianceWm2 = 100
	raw.Points[1].IsDay = false

	st := domain.StationReading{TempF: 70, Humidity: 0, IrradianceWm2: 0, WindMph: 0}
	corrected, d, ok := Apply(raw, st, testutil.FixedNow, 6*time.Hour, time.Hour)

	require.True(t, ok)
	assert.Equal(t, -800.0, d.IrradianceWm2)
	assert.Zero(t, corrected.Points[0].IrradianceWm2)
	assert.Equal(t, 100.0, corrected.Points[1].IrradianceWm2, "night points keep their irradiance")
	assert.Zero(t, corrected.Points[0].Humidity)
	assert.Zero(t, corrected.Points[0].WindMph)
}

func TestApply_SkipsWhenForecastDoesNotCoverNow(t *testing.T) {
	raw := hourlyForecast(testutil.FixedNow.Add(-10*time.Hour), 70, 71, 72)

	corrected, _, ok := Apply(raw, *station(90), testutil.FixedNow, 6*time.Hour, 90*time.Minute)

	assert.False(t, ok)
	assert.Equal(t, raw.Points[2].TempF, corrected.Points[2].TempF)
}

func TestCorrector_LiveFetchIsCorrectedAndCached(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "canopy")
	defer cleanup()
	repo := NewRepository(db.Conn(), zerolog.Nop())

	raw := hourlyForecast(testutil.FixedNow, 90, 92, 94)
	client := &mockForecastClient{}
	client.On("Fetch", mock.Anything, 24).Return(raw, nil).Once()

	c := NewCorrector(client, newRetryFallback(), repo, DefaultConfig(), zerolog.Nop())
	res := c.Correct(context.Background(), station(88), testutil.FixedNow)

	client.AssertExpectations(t)
	assert.Equal(t, domain.SourceLive, res.Source)
	assert.True(t, res.BiasApplied)
	assert.InDelta(t, -2.0, res.DeltaF(), 1e-9)
	assert.InDelta(t, 92.0, res.Corrected.Points[2].TempF, 1e-9)

	cached, ok := c.Cached()
	require.True(t, ok)
	assert.Equal(t, raw.Points, cached.Points)

	stored, ok, err := repo.Load(context.Background(), cacheName)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(raw.Points), len(stored.Points))
	assert.Equal(t, 94.0, stored.Points[2].TempF)
}

func TestCorrector_FetchFailsTwiceCorrectsCachedWithStation(t *testing.T) {
	raw := hourlyForecast(testutil.FixedNow.Add(-time.Hour), 80, 81, 82, 83)
	client := &mockForecastClient{}
	client.On("Fetch", mock.Anything, 24).Return(raw, nil).Once()
	client.On("Fetch", mock.Anything, 24).Return(domain.Forecast{}, errors.New("503 service unavailable")).Twice()

	c := NewCorrector(client, newRetryFallback(), nil, DefaultConfig(), zerolog.Nop())
	first := c.Correct(context.Background(), station(80), testutil.FixedNow)
	require.Equal(t, domain.SourceLive, first.Source)

	res := c.Correct(context.Background(), station(85), testutil.FixedNow)

	client.AssertExpectations(t)
	assert.Equal(t, domain.SourceCached, res.Source)
	require.True(t, res.BiasApplied)
	assert.InDelta(t, 4.0, res.DeltaF(), 1e-9)
	assert.Equal(t, 80.0, res.Corrected.Points[0].TempF)
	for i := 1; i < len(raw.Points); i++ {
		assert.InDelta(t, raw.Points[i].TempF+4, res.Corrected.Points[i].TempF, 1e-9, "point %d", i)
	}
	// the cache keeps the raw values
	assert.Equal(t, 81.0, res.Raw.Points[1].TempF)
}

func TestCorrector_FetchFailsTwiceReturnsCachedUnmodifiedWithoutStation(t *testing.T) {
	raw := hourlyForecast(testutil.FixedNow.Add(-time.Hour), 80, 81, 82, 83)
	client := &mockForecastClient{}
	client.On("Fetch", mock.Anything, 24).Return(raw, nil).Once()
	client.On("Fetch", mock.Anything, 24).Return(domain.Forecast{}, errors.New("503 service unavailable")).Twice()

	c := NewCorrector(client, newRetryFallback(), nil, DefaultConfig(), zerolog.Nop())
	first := c.Correct(context.Background(), station(85), testutil.FixedNow)
	require.Equal(t, domain.SourceLive, first.Source)

	res := c.Correct(context.Background(), nil, testutil.FixedNow)

	client.AssertExpectations(t)
	assert.Equal(t, domain.SourceCached, res.Source)
	assert.False(t, res.BiasApplied)
	assert.Equal(t, domain.ForecastCorrected, res.Corrected.Kind)
	for i := range raw.Points {
		assert.Equal(t, raw.Points[i].TempF, res.Corrected.Points[i].TempF)
	}
}

func TestCorrector_RestoresCacheAfterRestart(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "canopy")
	defer cleanup()
	repo := NewRepository(db.Conn(), zerolog.Nop())

	raw := hourlyForecast(testutil.FixedNow, 75, 76)
	require.NoError(t, repo.Save(context.Background(), cacheName, raw))

	client := &mockForecastClient{}
	client.On("Fetch", mock.Anything, mock.Anything).Return(domain.Forecast{}, errors.New("offline"))

	c := NewCorrector(client, newRetryFallback(), repo, DefaultConfig(), zerolog.Nop())
	require.NoError(t, c.Restore(context.Background()))

	res := c.Correct(context.Background(), nil, testutil.FixedNow.Add(30*time.Minute))
	assert.Equal(t, domain.SourceCached, res.Source)
	assert.Equal(t, 76.0, res.Corrected.Points[1].TempF)
}

func TestCorrector_StaleCacheFallsToPersistence(t *testing.T) {
	client := &mockForecastClient{}
	client.On("Fetch", mock.Anything, mock.Anything).Return(hourlyForecast(testutil.FixedNow.Add(-72*time.Hour), 60, 61), nil).Once()
	client.On("Fetch", mock.Anything, mock.Anything).Return(domain.Forecast{}, errors.New("offline"))

	c := NewCorrector(client, newRetryFallback(), nil, DefaultConfig(), zerolog.Nop())
	c.Correct(context.Background(), nil, testutil.FixedNow.Add(-72*time.Hour))

	res := c.Correct(context.Background(), station(77), testutil.FixedNow)
	assert.Equal(t, domain.SourcePersistence, res.Source)
	require.NotEmpty(t, res.Corrected.Points)
	assert.Equal(t, 77.0, res.Corrected.Points[len(res.Corrected.Points)-1].TempF)
}

func TestCorrector_NothingAvailableReturnsEmpty(t *testing.T) {
	client := &mockForecastClient{}
	client.On("Fetch", mock.Anything, mock.Anything).Return(domain.Forecast{}, errors.New("offline"))

	c := NewCorrector(client, newRetryFallback(), nil, DefaultConfig(), zerolog.Nop())
	res := c.Correct(context.Background(), nil, testutil.FixedNow)

	assert.Equal(t, domain.SourceDefault, res.Source)
	assert.True(t, res.Corrected.Empty())
}

func TestCorrector_NoStationLeavesForecastUncorrected(t *testing.T) {
	raw := hourlyForecast(testutil.FixedNow, 70, 72)
	client := &mockForecastClient{}
	client.On("Fetch", mock.Anything, mock.Anything).Return(raw, nil)

	c := NewCorrector(client, newRetryFallback(), nil, DefaultConfig(), zerolog.Nop())
	res := c.Correct(context.Background(), nil, testutil.FixedNow)

	assert.False(t, res.BiasApplied)
	assert.Equal(t, domain.ForecastCorrected, res.Corrected.Kind)
	assert.Equal(t, 72.0, res.Corrected.Points[1].TempF)
}

func TestCurrentConditions(t *testing.T) {
	fc := hourlyForecast(testutil.FixedNow.Add(-2*time.Hour), 60, 65, 70, 75)

	got, ok := CurrentConditions(fc, testutil.FixedNow.Add(10*time.Minute), time.Hour)
	require.True(t, ok)
	assert.Equal(t, 70.0, got.TempF)
	assert.True(t, got.ObservedAt.Equal(testutil.FixedNow))

	_, ok = CurrentConditions(fc, testutil.FixedNow.Add(12*time.Hour), time.Hour)
	assert.False(t, ok)
}

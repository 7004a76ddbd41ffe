// Package forecast fetches the weather forecast and bias-corrects it against
// the on-site station before it feeds the thermal model.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/reliability"
)

// ErrNoCachedForecast is returned by the cache fallback when nothing usable is cached.
var ErrNoCachedForecast = errors.New("no cached forecast")

// cacheName keys the raw forecast in the forecast_cache table.
const cacheName = "open_meteo"

// Config tunes the corrector.
type Config struct {
	// Hours requested from the forecast service.
	Hours int `yaml:"hours" json:"hours"`
	// BiasHorizon is how far past the current point the station delta applies.
	BiasHorizon time.Duration `yaml:"bias_horizon" json:"bias_horizon"`
	// MaxCacheAge bounds how old a cached raw forecast may be and still serve.
	MaxCacheAge time.Duration `yaml:"max_cache_age" json:"max_cache_age"`
	// MaxAlignment is the largest gap between now and the nearest forecast
	// point for which a delta is still computed.
	MaxAlignment time.Duration `yaml:"max_alignment" json:"max_alignment"`
}

// DefaultConfig returns 24 hours fetched, a 6 hour bias horizon and a 48 hour
// cache lifetime.
func DefaultConfig() Config {
	return Config{
		Hours:        24,
		BiasHorizon:  6 * time.Hour,
		MaxCacheAge:  48 * time.Hour,
		MaxAlignment: 90 * time.Minute,
	}
}

// Cache persists the last good raw forecast.
type Cache interface {
	Save(ctx context.Context, name string, fc domain.Forecast) error
	Load(ctx context.Context, name string) (domain.Forecast, bool, error)
}

// Deltas are station minus forecast at the aligned point.
type Deltas struct {
	TempF         float64 `json:"temp_f"`
	Humidity      float64 `json:"humidity"`
	IrradianceWm2 float64 `json:"irradiance_wm2"`
	WindMph       float64 `json:"wind_mph"`
}

// Result is one cycle's forecast.
type Result struct {
	Raw         domain.Forecast `json:"raw"`
	Corrected   domain.Forecast `json:"corrected"`
	Deltas      Deltas          `json:"deltas"`
	Source      domain.Source   `json:"source"`
	BiasApplied bool            `json:"bias_applied"`
}

// DeltaF is the temperature correction applied this cycle.
func (r Result) DeltaF() float64 { return r.Deltas.TempF }

// Corrector produces the bias-corrected forecast for each cycle.
type Corrector struct {
	client domain.ForecastClient
	rf     *reliability.RetryFallback
	cache  Cache
	cfg    Config
	log    zerolog.Logger

	mu   sync.Mutex
	last *domain.Forecast
}

// NewCorrector creates a corrector. cache may be nil.
func NewCorrector(client domain.ForecastClient, rf *reliability.RetryFallback, cache Cache, cfg Config, log zerolog.Logger) *Corrector {
	def := DefaultConfig()
	if cfg.Hours <= 0 {
		cfg.Hours = def.Hours
	}
	if cfg.BiasHorizon <= 0 {
		cfg.BiasHorizon = def.BiasHorizon
	}
	if cfg.MaxCacheAge <= 0 {
		cfg.MaxCacheAge = def.MaxCacheAge
	}
	if cfg.MaxAlignment <= 0 {
		cfg.MaxAlignment = def.MaxAlignment
	}
	return &Corrector{
		client: client,
		rf:     rf,
		cache:  cache,
		cfg:    cfg,
		log:    log.With().Str("component", "forecast_corrector").Logger(),
	}
}

// Restore loads the persisted raw forecast so the cache fallback works
// straight after a restart.
func (c *Corrector) Restore(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	fc, ok, err := c.cache.Load(ctx, cacheName)
	if err != nil {
		return fmt.Errorf("failed to restore forecast cache: %w", err)
	}
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.last = &fc
	c.mu.Unlock()
	c.log.Info().Time("fetched_at", fc.FetchedAt).Int("points", len(fc.Points)).Msg("Forecast cache restored")
	return nil
}

// Cached returns the last successfully fetched raw forecast.
func (c *Corrector) Cached() (domain.Forecast, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return domain.Forecast{}, false
	}
	return c.last.Clone(), true
}

// Correct fetches (or falls back to) a raw forecast and applies the station
// delta. station may be nil when no live station reading exists. It never
// fails: the worst case is an empty forecast, which the model treats as
// persistence of the snapshot conditions.
func (c *Corrector) Correct(ctx context.Context, station *domain.StationReading, now time.Time) Result {
	res := reliability.Do(ctx, c.rf, reliability.Request[domain.Forecast]{
		Device: domain.DeviceOpenMeteo,
		Sources: reliability.Single(domain.SourceLive, func(ctx context.Context) (domain.Forecast, error) {
			return c.client.Fetch(ctx, c.cfg.Hours)
		}),
		Fallbacks: []reliability.Strategy[domain.Forecast]{
			{Name: domain.SourceCached, Fetch: func(context.Context) (domain.Forecast, error) {
				return c.cachedFor(now)
			}},
		},
	})

	switch res.Source {
	case domain.SourceLive:
		c.remember(ctx, res.Value)
		return c.correct(res.Value, station, now, domain.SourceLive)
	case domain.SourceCached:
		// The cached raw forecast gets a fresh delta from the current
		// station reading; without one it is served uncorrected.
		c.log.Warn().Time("fetched_at", res.Value.FetchedAt).Bool("station", station != nil).
			Msg("Forecast unavailable, using cached raw forecast")
		return c.correct(res.Value, station, now, domain.SourceCached)
	}

	if station != nil {
		c.log.Warn().Msg("Forecast unavailable and nothing cached, using station persistence")
		fc := Persistence(*station, now, c.cfg.Hours)
		return Result{Raw: fc, Corrected: fc, Source: domain.SourcePersistence}
	}
	c.log.Error().Msg("No forecast, cache or station available")
	empty := domain.NewForecast(now, now, domain.ForecastCorrected, nil)
	return Result{Raw: empty, Corrected: empty, Source: domain.SourceDefault}
}

func (c *Corrector) correct(raw domain.Forecast, station *domain.StationReading, now time.Time, src domain.Source) Result {
	res := Result{Raw: raw, Source: src}
	if station == nil {
		res.Corrected = raw.Clone()
		res.Corrected.Kind = domain.ForecastCorrected
		return res
	}
	corrected, deltas, ok := Apply(raw, *station, now, c.cfg.BiasHorizon, c.cfg.MaxAlignment)
	res.Corrected = corrected
	res.Deltas = deltas
	res.BiasApplied = ok
	if ok {
		c.log.Debug().
			Float64("delta_f", deltas.TempF).
			Float64("delta_humidity", deltas.Humidity).
			Float64("delta_irradiance", deltas.IrradianceWm2).
			Float64("delta_wind", deltas.WindMph).
			Msg("Forecast bias applied")
	}
	return res
}

func (c *Corrector) cachedFor(now time.Time) (domain.Forecast, error) {
	fc, ok := c.Cached()
	if !ok || fc.Empty() {
		return domain.Forecast{}, ErrNoCachedForecast
	}
	if age := now.Sub(fc.FetchedAt); age > c.cfg.MaxCacheAge {
		return domain.Forecast{}, fmt.Errorf("%w: cached forecast is %s old", ErrNoCachedForecast, age.Round(time.Minute))
	}
	return fc, nil
}

func (c *Corrector) remember(ctx context.Context, fc domain.Forecast) {
	c.mu.Lock()
	cp := fc.Clone()
	c.last = &cp
	c.mu.Unlock()
	if c.cache == nil {
		return
	}
	if err := c.cache.Save(context.WithoutCancel(ctx), cacheName, fc); err != nil {
		c.log.Warn().Err(err).Msg("Failed to persist forecast cache")
	}
}

// Apply shifts raw by the difference between the station reading and the
// forecast point nearest now. The same flat delta applies to every point from
// that one through horizon; it is not tapered with distance. Humidity, wind
// and irradiance are clamped at zero, and irradiance is only shifted during
// daylight points. ok is false when no point lies within maxAlign of now.
func Apply(raw domain.Forecast, station domain.StationReading, now time.Time, horizon, maxAlign time.Duration) (domain.Forecast, Deltas, bool) {
	corrected := raw.Clone()
	corrected.Kind = domain.ForecastCorrected

	idx := raw.NearestIndex(now)
	if idx < 0 {
		return corrected, Deltas{}, false
	}
	if gap := raw.TimeAt(idx).Sub(now); gap > maxAlign || gap < -maxAlign {
		return corrected, Deltas{}, false
	}

	ref := raw.Points[idx]
	d := Deltas{
		TempF:         station.TempF - ref.TempF,
		Humidity:      station.Humidity - ref.Humidity,
		IrradianceWm2: station.IrradianceWm2 - ref.IrradianceWm2,
		WindMph:       station.WindMph - ref.WindMph,
	}

	until := raw.TimeAt(idx).Add(horizon)
	for i := idx; i < len(corrected.Points); i++ {
		if corrected.TimeAt(i).After(until) {
			break
		}
		p := &corrected.Points[i]
		p.TempF += d.TempF
		p.Humidity = math.Min(100, math.Max(0, p.Humidity+d.Humidity))
		p.WindMph = math.Max(0, p.WindMph+d.WindMph)
		if p.IsDay {
			p.IrradianceWm2 = math.Max(0, p.IrradianceWm2+d.IrradianceWm2)
		}
	}
	corrected.BiasDeltaF = d.TempF
	return corrected, d, true
}

// Persistence builds an hourly forecast that holds the station's current
// conditions.
func Persistence(station domain.StationReading, now time.Time, hours int) domain.Forecast {
	if hours <= 0 {
		hours = 1
	}
	points := make([]domain.ForecastPoint, 0, hours+1)
	for h := 0; h <= hours; h++ {
		points = append(points, domain.ForecastPoint{
			Offset:        time.Duration(h) * time.Hour,
			TempF:         station.TempF,
			Humidity:      station.Humidity,
			IrradianceWm2: station.IrradianceWm2,
			WindMph:       station.WindMph,
			IsDay:         station.IrradianceWm2 > 0,
		})
	}
	return domain.NewForecast(now, now, domain.ForecastCorrected, points)
}

// CurrentConditions reads the forecast point nearest now as a station
// reading. It is the outdoor fallback when the weather station is down.
func CurrentConditions(fc domain.Forecast, now time.Time, maxAlign time.Duration) (domain.StationReading, bool) {
	idx := fc.NearestIndex(now)
	if idx < 0 {
		return domain.StationReading{}, false
	}
	if gap := fc.TimeAt(idx).Sub(now); gap > maxAlign || gap < -maxAlign {
		return domain.StationReading{}, false
	}
	p := fc.Points[idx]
	return domain.StationReading{
		TempF:         p.TempF,
		Humidity:      p.Humidity,
		IrradianceWm2: p.IrradianceWm2,
		WindMph:       p.WindMph,
		ObservedAt:    fc.TimeAt(idx),
	}, true
}

// MaxAlignment exposes the configured alignment window.
func (c *Corrector) MaxAlignment() time.Duration { return c.cfg.MaxAlignment }

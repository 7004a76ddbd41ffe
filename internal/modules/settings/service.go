package settings

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/events"
	"github.com/aristath/canopy/internal/modules/control"
)

// ErrUnknownSetting is returned for keys that are not runtime-tunable.
var ErrUnknownSetting = errors.New("unknown setting")

// Service layers stored settings over the site file's control settings.
type Service struct {
	repo   *Repository
	base   control.Settings
	events *events.Manager
	log    zerolog.Logger
}

// NewService creates a settings service. base holds the site file values;
// eventManager may be nil.
func NewService(repo *Repository, base control.Settings, eventManager *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		base:   base,
		events: eventManager,
		log:    log.With().Str("service", "settings").Logger(),
	}
}

// Current returns the control settings with every stored value applied. If
// the stored values no longer validate together, the file values are used.
func (s *Service) Current() (control.Settings, error) {
	stored, err := s.stored()
	if err != nil {
		return s.base, err
	}
	out := s.base
	for key, v := range stored {
		fields[key].set(&out, v)
	}
	if err := out.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("Stored settings are inconsistent, using site file values")
		return s.base, nil
	}
	return out, nil
}

// Set validates value for key against the current settings and stores it.
func (s *Service) Set(key string, value float64) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s must be a finite number", control.ErrInvalidSettings, key)
	}

	next, err := s.Current()
	if err != nil {
		return err
	}
	f.set(&next, value)
	if err := next.Validate(); err != nil {
		return err
	}

	if err := s.repo.SetFloat(key, value); err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	s.log.Info().Str("key", key).Float64("value", value).Msg("Setting updated")
	if s.events != nil {
		s.events.EmitTyped("settings", &events.SettingsChangedData{Key: key, Value: value})
	}
	return nil
}

// Reset removes the stored value for key, restoring the site file value.
func (s *Service) Reset(key string) error {
	if _, ok := fields[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	if err := s.repo.Delete(key); err != nil {
		return err
	}
	s.log.Info().Str("key", key).Msg("Setting reset to site file value")
	if s.events != nil {
		s.events.EmitTyped("settings", &events.SettingsChangedData{Key: key, Value: fields[key].get(s.base)})
	}
	return nil
}

// List reports every tunable setting, sorted by key.
func (s *Service) List() ([]Setting, error) {
	stored, err := s.stored()
	if err != nil {
		return nil, err
	}
	current, err := s.Current()
	if err != nil {
		return nil, err
	}

	out := make([]Setting, 0, len(fields))
	for key, f := range fields {
		_, overridden := stored[key]
		out = append(out, Setting{
			Key:         key,
			Value:       f.get(current),
			FileValue:   f.get(s.base),
			Overridden:  overridden,
			Description: SettingDescriptions[key],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// stored returns the tunable keys present in the settings table.
func (s *Service) stored() (map[string]float64, error) {
	all, err := s.repo.GetAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(all))
	for key, raw := range all {
		if _, ok := fields[key]; !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Str("value", raw).Msg("Ignoring unparseable setting")
			continue
		}
		out[key] = v
	}
	return out, nil
}

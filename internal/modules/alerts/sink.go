package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/events"
)

// Sink is the controller's AlertSink: every alert is stored, logged at a
// level matching its severity and published as an AlertRaised event.
type Sink struct {
	repo   *Repository
	events *events.Manager
	now    func() time.Time
	log    zerolog.Logger
}

// NewSink creates an alert sink. eventManager may be nil.
func NewSink(repo *Repository, eventManager *events.Manager, log zerolog.Logger) *Sink {
	return &Sink{
		repo:   repo,
		events: eventManager,
		now:    time.Now,
		log:    log.With().Str("component", "alerts").Logger(),
	}
}

// Notify stores and publishes one alert.
func (s *Sink) Notify(ctx context.Context, source, message string, severity domain.Severity) error {
	a, err := s.repo.Insert(context.WithoutCancel(ctx), domain.Alert{
		Source:    source,
		Severity:  severity,
		Message:   message,
		CreatedAt: s.now(),
	})

	var ev *zerolog.Event
	switch severity {
	case domain.SeverityCritical:
		ev = s.log.Error()
	case domain.SeverityAlert:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}
	ev.Str("source", source).Str("severity", string(severity)).Msg(message)

	if s.events != nil {
		s.events.EmitTyped("alerts", &events.AlertRaisedData{
			ID:       a.ID,
			Source:   source,
			Severity: string(severity),
			Message:  message,
		})
	}
	return err
}

// Acknowledge marks an alert as seen by the operator.
func (s *Sink) Acknowledge(ctx context.Context, id int64) error {
	return s.repo.Acknowledge(ctx, id, s.now())
}

// List returns recent alerts, newest first.
func (s *Sink) List(ctx context.Context, unacknowledgedOnly bool, limit int) ([]domain.Alert, error) {
	return s.repo.List(ctx, unacknowledgedOnly, limit)
}

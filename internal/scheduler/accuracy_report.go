package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/cyclelog"
)

// AccuracySource summarizes prediction errors since a point in time.
type AccuracySource interface {
	AccuracySince(ctx context.Context, since time.Time) (cyclelog.AccuracySummary, error)
}

// AccuracyReportJob logs how well the thermal model predicted the last
// window, and warns when the error drifts past a threshold.
type AccuracyReportJob struct {
	source    AccuracySource
	alerts    domain.AlertSink
	window    time.Duration
	maxRMSEF  float64
	minSample int
	now       func() time.Time
	log       zerolog.Logger
}

// NewAccuracyReportJob creates the report job. alerts may be nil.
func NewAccuracyReportJob(source AccuracySource, alerts domain.AlertSink, window time.Duration, maxRMSEF float64, log zerolog.Logger) *AccuracyReportJob {
	return &AccuracyReportJob{
		source:    source,
		alerts:    alerts,
		window:    window,
		maxRMSEF:  maxRMSEF,
		minSample: 6,
		now:       time.Now,
		log:       log.With().Str("job", "accuracy_report").Logger(),
	}
}

// Name returns the job name
func (j *AccuracyReportJob) Name() string {
	return "accuracy_report"
}

// Run summarizes the window.
func (j *AccuracyReportJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := j.source.AccuracySince(ctx, j.now().Add(-j.window))
	if err != nil {
		return fmt.Errorf("failed to summarize model accuracy: %w", err)
	}
	if summary.Samples == 0 {
		j.log.Debug().Msg("No accuracy samples in window")
		return nil
	}

	j.log.Info().
		Int("samples", summary.Samples).
		Float64("rmse_f", summary.RMSEF).
		Float64("bias_f", summary.BiasF).
		Float64("max_abs_f", summary.MaxAbsF).
		Msg("Model accuracy")

	if j.maxRMSEF > 0 && summary.Samples >= j.minSample && summary.RMSEF > j.maxRMSEF && j.alerts != nil {
		msg := fmt.Sprintf("thermal model RMSE %.1f°F over %d samples exceeds %.1f°F", summary.RMSEF, summary.Samples, j.maxRMSEF)
		if err := j.alerts.Notify(ctx, "thermal_model", msg, domain.SeverityWarning); err != nil {
			j.log.Warn().Err(err).Msg("Failed to deliver accuracy alert")
		}
	}
	return nil
}

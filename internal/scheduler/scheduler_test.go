package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestEverySchedule(t *testing.T) {
	tests := []struct {
		minutes  int
		expected string
	}{
		{5, "0 */5 * * * *"},
		{1, "0 */1 * * * *"},
		{15, "0 */15 * * * *"},
		{7, "@every 7m"},
		{90, "@every 90m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, EverySchedule(tt.minutes))
	}
}

func TestScheduler_AddJob(t *testing.T) {
	s := New(zerolog.Nop())

	require.NoError(t, s.AddJob("@every 1m", &countingJob{}))
	require.NoError(t, s.AddJob(EverySchedule(5), &countingJob{}))

	err := s.AddJob("not a schedule", &countingJob{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counting")
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}

	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), job.runs.Load())

	job.err = errors.New("boom")
	assert.Error(t, s.RunNow(job))
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(zerolog.Nop())
	s.Start()
	s.Stop()
}

package testing

import (
	"context"
	"sync"

	"github.com/aristath/canopy/internal/domain"
)

// RecordedAlert is one call to MockAlertSink.Notify.
type RecordedAlert struct {
	Source   string
	Message  string
	Severity domain.Severity
}

// MockAlertSink records alerts in memory.
type MockAlertSink struct {
	mu     sync.Mutex
	alerts []RecordedAlert
	err    error
}

// NewMockAlertSink creates a new recording alert sink
func NewMockAlertSink() *MockAlertSink {
	return &MockAlertSink{}
}

// Notify records the alert
func (m *MockAlertSink) Notify(_ context.Context, source, message string, severity domain.Severity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, RecordedAlert{Source: source, Message: message, Severity: severity})
	return m.err
}

// SetError makes subsequent Notify calls fail
func (m *MockAlertSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Alerts returns a copy of the recorded alerts
func (m *MockAlertSink) Alerts() []RecordedAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// MockActuator is an in-memory actuator device.
type MockActuator struct {
	mu        sync.Mutex
	state     domain.Command
	readErr   error
	applyErr  error
	confirm   bool
	applied   []domain.Command
	readCalls int
}

// NewMockActuator creates a device currently in state
func NewMockActuator(state domain.Command) *MockActuator {
	return &MockActuator{state: state, confirm: true}
}

// ReadState returns the current state
func (m *MockActuator) ReadState(context.Context) (domain.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	if m.readErr != nil {
		return domain.Command{}, m.readErr
	}
	return m.state, nil
}

// Apply records the command and updates the state when confirmed
func (m *MockActuator) Apply(_ context.Context, cmd domain.Command) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, cmd)
	if m.applyErr != nil {
		return false, m.applyErr
	}
	if m.confirm {
		m.state = cmd
	}
	return m.confirm, nil
}

// FailReads makes ReadState return err (nil restores)
func (m *MockActuator) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailApplies makes Apply return err (nil restores)
func (m *MockActuator) FailApplies(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// Applied returns the commands received so far
func (m *MockActuator) Applied() []domain.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Command, len(m.applied))
	copy(out, m.applied)
	return out
}

// SetState changes the state as if someone operated the device by hand
func (m *MockActuator) SetState(state domain.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// SetConfirm controls whether Apply reports the command as confirmed
func (m *MockActuator) SetConfirm(confirm bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirm = confirm
}

// ReadCalls returns how many times ReadState was called
func (m *MockActuator) ReadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls
}

package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
)

// ErrNoState is returned before the bridge has reported any state.
var ErrNoState = errors.New("no state reported yet")

// Actuator drives one actuator through a bridge service. The service
// publishes the device state, retained, on <prefix>/<actuator>/state and
// takes commands on <prefix>/<actuator>/set. Both carry the JSON encoding of
// domain.Command; state messages may also use the text form ("closed",
// "cool@78").
type Actuator struct {
	bridge   *Bridge
	name     domain.Actuator
	setTopic string
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	state   *domain.Command
	updated time.Time
	waiters map[chan domain.Command]struct{}
}

// NewActuator subscribes to the actuator's state topic. timeout bounds how
// long Apply waits for the bridge to echo the new state.
func NewActuator(ctx context.Context, b *Bridge, prefix string, name domain.Actuator, timeout time.Duration, log zerolog.Logger) (*Actuator, error) {
	if !name.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownActuator, name)
	}
	base := strings.TrimRight(prefix, "/") + "/" + string(name)
	a := &Actuator{
		bridge:   b,
		name:     name,
		setTopic: base + "/set",
		timeout:  timeout,
		waiters:  make(map[chan domain.Command]struct{}),
		log:      log.With().Str("client", "mqtt_actuator").Str("actuator", string(name)).Logger(),
	}
	if err := b.Subscribe(ctx, base+"/state", a.onState); err != nil {
		return nil, err
	}
	return a, nil
}

// ReadState returns the last state the bridge reported.
func (a *Actuator) ReadState(context.Context) (domain.Command, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return domain.Command{}, fmt.Errorf("%s: %w", a.name, ErrNoState)
	}
	return *a.state, nil
}

// LastUpdate is when the bridge last reported state.
func (a *Actuator) LastUpdate() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updated
}

// Apply publishes cmd and waits for the bridge to report it. A command that
// was sent but not echoed in time is unconfirmed, not an error.
func (a *Actuator) Apply(ctx context.Context, cmd domain.Command) (bool, error) {
	if err := cmd.Validate(a.name); err != nil {
		return false, err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return false, err
	}

	ch := make(chan domain.Command, 4)
	a.mu.Lock()
	a.waiters[ch] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, ch)
		a.mu.Unlock()
	}()

	if err := a.bridge.Publish(ctx, a.setTopic, payload, false); err != nil {
		return false, err
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-ch:
			if got == cmd {
				return true, nil
			}
		case <-timer.C:
			a.log.Warn().Str("command", cmd.String()).Dur("timeout", a.timeout).Msg("Command not confirmed by bridge")
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (a *Actuator) onState(topic string, payload []byte) {
	cmd, err := decodeState(a.name, payload)
	if err != nil {
		a.log.Warn().Err(err).Str("topic", topic).Msg("Ignoring unreadable state message")
		return
	}

	a.mu.Lock()
	prev := a.state
	a.state = &cmd
	a.updated = time.Now()
	for ch := range a.waiters {
		select {
		case ch <- cmd:
		default:
		}
	}
	a.mu.Unlock()

	if prev == nil || *prev != cmd {
		a.log.Info().Str("state", cmd.String()).Msg("Actuator state reported")
	}
}

func decodeState(name domain.Actuator, payload []byte) (domain.Command, error) {
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		var cmd domain.Command
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return domain.Command{}, err
		}
		if cmd.Kind == domain.CommandHVAC {
			cmd = domain.HVACCommand(cmd.Mode, cmd.SetpointF)
		}
		return cmd, cmd.Validate(name)
	}
	return domain.ParseCommand(name, strings.Trim(text, `"`))
}

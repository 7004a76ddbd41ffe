package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aristath/canopy/internal/domain"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type pendingToken struct{ done chan struct{} }

func (t *pendingToken) Wait() bool                     { <-t.done; return true }
func (t *pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t *pendingToken) Done() <-chan struct{}          { return t.done }
func (t *pendingToken) Error() error                   { return nil }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

// fakeClient is an in-memory broker. When echo is set, a publish to
// <x>/set is reflected to <x>/state the way a bridge service would.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	subs       map[string]mqtt.MessageHandler
	published  []message
	echo       bool
	publishErr error
	connect    mqtt.Token
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, subs: map[string]mqtt.MessageHandler{}}
}

func (f *fakeClient) Connect() mqtt.Token {
	if f.connect != nil {
		return f.connect
	}
	return newToken(nil)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeClient) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	if f.publishErr != nil {
		f.mu.Unlock()
		return newToken(f.publishErr)
	}
	msg := message{topic: topic, payload: payload.([]byte)}
	f.published = append(f.published, msg)
	echo := f.echo
	f.mu.Unlock()

	if echo && len(topic) > 4 && topic[len(topic)-4:] == "/set" {
		f.deliver(topic[:len(topic)-4]+"/state", msg.payload)
	}
	return newToken(nil)
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.subs[topic] = cb
	f.mu.Unlock()
	return newToken(nil)
}

func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	cb := f.subs[topic]
	f.mu.Unlock()
	if cb != nil {
		cb(nil, message{topic: topic, payload: payload})
	}
}

func TestBridge_SubscribeDeferredUntilConnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeClient()
	fc.connected = false
	b := newWithClient(fc, zerolog.Nop())

	var got []string
	require.NoError(t, b.Subscribe(context.Background(), "a/b", func(topic string, payload []byte) {
		got = append(got, string(payload))
	}))
	assert.Empty(t, fc.subs)

	fc.connected = true
	b.resubscribe()
	fc.deliver("a/b", []byte("hello"))
	assert.Equal(t, []string{"hello"}, got)
}

func TestBridge_ConnectHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeClient()
	fc.connect = &pendingToken{done: make(chan struct{})}
	b := newWithClient(fc, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestActuator_ApplyConfirmedByEcho(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeClient()
	fc.echo = true
	b := newWithClient(fc, zerolog.Nop())
	ctx := context.Background()

	a, err := NewActuator(ctx, b, "greenhouse/", domain.ActuatorHVAC, time.Second, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.ReadState(ctx)
	assert.ErrorIs(t, err, ErrNoState)

	cmd := domain.HVACCommand(domain.HVACCool, 78)
	confirmed, err := a.Apply(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, confirmed)

	require.Len(t, fc.published, 1)
	assert.Equal(t, "greenhouse/hvac/set", fc.published[0].topic)
	var sent domain.Command
	require.NoError(t, json.Unmarshal(fc.published[0].payload, &sent))
	assert.Equal(t, cmd, sent)

	state, err := a.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, cmd, state)
	assert.False(t, a.LastUpdate().IsZero())
}

func TestActuator_ApplyUnconfirmedWithoutEcho(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := newFakeClient()
	b := newWithClient(fc, zerolog.Nop())
	a, err := NewActuator(context.Background(), b, "greenhouse", domain.ActuatorShadesEast, 30*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	confirmed, err := a.Apply(context.Background(), domain.ShadeCommand(domain.ShadeClosed))
	require.NoError(t, err)
	assert.False(t, confirmed)
}

func TestActuator_ApplyErrors(t *testing.T) {
	fc := newFakeClient()
	b := newWithClient(fc, zerolog.Nop())
	a, err := NewActuator(context.Background(), b, "greenhouse", domain.ActuatorShadesWest, time.Second, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.Apply(context.Background(), domain.SwitchCommand(true))
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)

	fc.publishErr = errors.New("not connected")
	_, err = a.Apply(context.Background(), domain.ShadeCommand(domain.ShadeOpen))
	assert.ErrorContains(t, err, "not connected")

	_, err = NewActuator(context.Background(), b, "greenhouse", domain.Actuator("door"), time.Second, zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrUnknownActuator)
}

func TestActuator_StateMessages(t *testing.T) {
	fc := newFakeClient()
	b := newWithClient(fc, zerolog.Nop())
	ctx := context.Background()
	a, err := NewActuator(ctx, b, "greenhouse", domain.ActuatorHVAC, time.Second, zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		payload string
		want    domain.Command
	}{
		{`cool@78`, domain.HVACCommand(domain.HVACCool, 78)},
		{`"off"`, domain.HVACCommand(domain.HVACOff, 0)},
		{`{"kind":"hvac","mode":"off","setpoint_f":70}`, domain.HVACCommand(domain.HVACOff, 0)},
		{`{"kind":"hvac","mode":"heat","setpoint_f":50}`, domain.HVACCommand(domain.HVACHeat, 50)},
	}
	for _, tt := range tests {
		fc.deliver("greenhouse/hvac/state", []byte(tt.payload))
		state, err := a.ReadState(ctx)
		require.NoError(t, err, tt.payload)
		assert.Equal(t, tt.want, state, tt.payload)
	}

	fc.deliver("greenhouse/hvac/state", []byte(`banana`))
	state, err := a.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HVACCommand(domain.HVACHeat, 50), state, "garbage keeps the last state")
}

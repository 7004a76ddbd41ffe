package shelly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/clients/mqttbridge"
	"github.com/aristath/canopy/internal/domain"
)

var (
	// ErrNoPush is returned before the sensor has pushed anything.
	ErrNoPush = errors.New("no push reading received")
	// ErrStalePush is returned when the last push is older than the limit.
	ErrStalePush = errors.New("push reading is stale")
)

// Subscriber delivers broker messages.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h mqttbridge.Handler) error
}

// PushCache keeps the latest reading the H&T pushed over MQTT. The sensor
// sleeps between wake-ups, so the cache is the primary indoor source and
// is only trusted while younger than maxAge.
type PushCache struct {
	maxAge time.Duration
	now    func() time.Time
	log    zerolog.Logger

	mu       sync.RWMutex
	reading  domain.IndoorReading
	received time.Time
	hasTemp  bool
}

// NewPushCache creates an empty cache.
func NewPushCache(maxAge time.Duration, log zerolog.Logger) *PushCache {
	return &PushCache{
		maxAge: maxAge,
		now:    time.Now,
		log:    log.With().Str("client", "shelly-push").Logger(),
	}
}

// Start subscribes the cache to the sensor's RPC event topic.
func (p *PushCache) Start(ctx context.Context, sub Subscriber, topic string) error {
	return sub.Subscribe(ctx, topic, p.HandleMessage)
}

// rpcNotification is the Gen2+ NotifyStatus / NotifyFullStatus frame.
type rpcNotification struct {
	Method string          `json:"method"`
	Params componentStatus `json:"params"`
}

// HandleMessage applies one NotifyStatus or NotifyFullStatus frame. Frames
// that carry neither temperature nor humidity are ignored.
func (p *PushCache) HandleMessage(topic string, payload []byte) {
	var n rpcNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("Failed to parse MQTT payload")
		return
	}
	if n.Method != "NotifyStatus" && n.Method != "NotifyFullStatus" {
		return
	}

	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	updated := false
	if t := n.Params.Temperature; t != nil && t.TF != nil {
		p.reading.TempF = math.Round(*t.TF*10) / 10
		p.hasTemp = true
		updated = true
	}
	if h := n.Params.Humidity; h != nil && h.RH != nil {
		p.reading.Humidity = *h.RH
		updated = true
	}
	if !updated {
		return
	}
	p.reading.ObservedAt = now
	p.received = now
	p.log.Info().
		Float64("temp_f", p.reading.TempF).
		Float64("humidity", p.reading.Humidity).
		Msg("Indoor reading pushed")
}

// ReadIndoor returns the cached reading while it is fresh.
func (p *PushCache) ReadIndoor(context.Context) (domain.IndoorReading, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.hasTemp {
		return domain.IndoorReading{}, ErrNoPush
	}
	if age := p.now().Sub(p.received); age > p.maxAge {
		return domain.IndoorReading{}, fmt.Errorf("%w: %s old", ErrStalePush, age.Round(time.Second))
	}
	return p.reading, nil
}

// LastSeen is when the sensor last pushed.
func (p *PushCache) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.received
}

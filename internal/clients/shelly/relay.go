package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/canopy/internal/domain"
)

// Relay switches the ventilation fan through a Shelly Gen2+ relay's local
// RPC API.
type Relay struct {
	baseURL  string
	switchID int
	client   *http.Client
	log      zerolog.Logger
}

// NewRelay creates a relay client. host is the relay's address on the LAN,
// with or without scheme.
func NewRelay(host string, switchID int, log zerolog.Logger) *Relay {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return &Relay{
		baseURL:  strings.TrimRight(host, "/") + "/rpc",
		switchID: switchID,
		client:   &http.Client{},
		log:      log.With().Str("client", "shelly-relay").Logger(),
	}
}

type switchStatus struct {
	Output bool    `json:"output"`
	APower float64 `json:"apower"`
}

// ReadState returns the relay output as a switch command.
func (r *Relay) ReadState(ctx context.Context) (domain.Command, error) {
	var st switchStatus
	if err := r.call(ctx, "Switch.GetStatus", url.Values{}, &st); err != nil {
		return domain.Command{}, err
	}
	return domain.SwitchCommand(st.Output), nil
}

// Apply sets the relay and reads it back to confirm.
func (r *Relay) Apply(ctx context.Context, cmd domain.Command) (bool, error) {
	if err := cmd.Validate(domain.ActuatorVentilation); err != nil {
		return false, err
	}
	q := url.Values{}
	q.Set("on", strconv.FormatBool(cmd.On))
	if err := r.call(ctx, "Switch.Set", q, nil); err != nil {
		return false, err
	}

	state, err := r.ReadState(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Relay set but read-back failed")
		return false, nil
	}
	confirmed := state == cmd
	r.log.Info().Str("command", cmd.String()).Bool("confirmed", confirmed).Msg("Relay switched")
	return confirmed, nil
}

func (r *Relay) call(ctx context.Context, method string, q url.Values, out interface{}) error {
	q.Set("id", strconv.Itoa(r.switchID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+method+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	return nil
}

// Package meter implements the metering event emitter (spec §4.7):
// rate/interval arithmetic and a fire-and-forget CloudEvents-shaped POST
// to the configured sink. No CloudEvents SDK appears anywhere in the
// reference pack and the envelope (spec §6.4) is eight fields, so the
// JSON object is hand-built rather than pulling in an unexercised
// dependency (stdlib justification logged in DESIGN.md).
package meter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/fluxpod/fluxpod/pkg/metrics"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Emitter posts meter events to a sink.
type Emitter struct {
	sinkURL string
	token   string
	source  string
	http    *http.Client
	logger  zerolog.Logger
}

// New constructs an Emitter posting to sinkURL with bearer token.
func New(sinkURL, token string) *Emitter {
	return &Emitter{
		sinkURL: sinkURL,
		token:   token,
		source:  "fluxpod",
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  log.WithComponent("meter"),
	}
}

// event is the CloudEvents-shaped envelope of spec §6.4.
type event struct {
	ID              string `json:"id"`
	Source          string `json:"source"`
	SpecVersion     string `json:"specversion"`
	Type            string `json:"type"`
	Subject         string `json:"subject"`
	Time            string `json:"time"`
	DataContentType string `json:"datacontenttype"`
	Data            data   `json:"data"`
}

type data struct {
	Value       float64 `json:"value"`
	Metric      string  `json:"metric"`
	Cost        float64 `json:"cost"`
	Currency    string  `json:"currency"`
	Unit        string  `json:"unit"`
	Accelerator string  `json:"accelerator"`
	Kind        string  `json:"kind"`
	Service     string  `json:"service"`
}

// unitDivisor converts a percent-surcharge hourly rate into a
// per-interval charge for the configured unit (spec §4.7).
var unitDivisor = map[string]float64{
	"second": 3600,
	"minute": 60,
	"hour":   1,
}

// PerIntervalCost computes one meter's per-interval charge given the
// container's current backend hourly cost (spec §4.7 rate arithmetic).
func PerIntervalCost(m types.Meter, baseCostPerHr float64) (float64, bool) {
	switch {
	case m.Cost != 0 && m.CostPct != 0:
		rate := baseCostPerHr * (1 + m.CostPct/100)
		return rate / unitDivisor[m.Unit], true
	case m.CostPct != 0:
		rate := baseCostPerHr * (1 + m.CostPct/100)
		return rate / unitDivisor[m.Unit], true
	case m.Cost != 0:
		return m.Cost, true
	default:
		return 0, false
	}
}

// Emit posts one event per configured meter for the container, covering
// elapsed interval delta (spec §4.7 "value = Δ in seconds"). Failures are
// logged, never propagated — metering never affects reconciliation
// outcomes.
func (e *Emitter) Emit(ctx context.Context, c *types.Container, delta time.Duration) {
	st, err := c.Status()
	if err != nil {
		e.logger.Warn().Err(err).Str("container_id", c.ID).Msg("parse status for metering")
		return
	}

	for _, m := range c.Meters {
		cost, ok := PerIntervalCost(m, st.CostPerHr)
		if !ok {
			e.logger.Warn().Str("container_id", c.ID).Str("metric", m.Metric).Msg("meter has neither cost nor costp configured, skipping")
			continue
		}
		evt := event{
			ID:              uuid.NewString(),
			Source:          e.source,
			SpecVersion:     "1.0",
			Type:            "io.fluxpod.meter." + m.Metric,
			Subject:         c.Owner,
			Time:            time.Now().UTC().Format(time.RFC3339),
			DataContentType: "application/json",
			Data: data{
				Value:       delta.Seconds(),
				Metric:      m.Metric,
				Cost:        cost,
				Currency:    m.Currency,
				Unit:        m.Unit,
				Accelerator: st.Accelerator,
				Kind:        "container",
				Service:     c.Name,
			},
		}
		if err := e.post(ctx, evt); err != nil {
			metrics.MeterEventsFailedTotal.WithLabelValues(m.Metric).Inc()
			e.logger.Warn().Err(err).Str("container_id", c.ID).Str("metric", m.Metric).Msg("emit meter event")
			continue
		}
		metrics.MeterEventsEmittedTotal.WithLabelValues(m.Metric).Inc()
	}
}

func (e *Emitter) post(ctx context.Context, evt event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode meter event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sinkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build meter request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("post meter event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("meter sink returned status %d", resp.StatusCode)
	}
	return nil
}

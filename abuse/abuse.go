// Package abuse tracks, purely for operator visibility, the email domains
// most frequently hitting the per-email rate limit. It never gates a
// request — store.LimitStore.IncrAndTest remains the sole gate.
//
// Grounded on the teacher's topk/sketch.go (SketchParams, mutex-guarded
// sliding-window wrapper), generalized from a generic per-IP abuse sketch
// to a per-email-domain one.
package abuse

import (
	"strings"

	"github.com/caasmo/idbroker/topk"
)

// Params configures the domain sketch's sliding window and sensitivity.
type Params struct {
	K               int
	WindowSize      int
	Width           int
	Depth           int
	TickSize        uint64
	MaxSharePercent int
	ActivationRPS   int
}

// DefaultParams returns sensible defaults for a small broker deployment.
func DefaultParams() Params {
	return Params{
		K:               20,
		WindowSize:      10,
		Width:           256,
		Depth:           4,
		TickSize:        100,
		MaxSharePercent: 35,
		ActivationRPS:   500,
	}
}

// Monitor tracks rate-limited requests by email domain.
type Monitor struct {
	sketch *topk.TopKSketch
}

// New builds a Monitor from params.
func New(params Params) *Monitor {
	return &Monitor{
		sketch: topk.New(topk.SketchParams{
			K:               params.K,
			WindowSize:      params.WindowSize,
			Width:           params.Width,
			Depth:           params.Depth,
			TickSize:        params.TickSize,
			MaxSharePercent: params.MaxSharePercent,
			ActivationRPS:   params.ActivationRPS,
		}),
	}
}

// Observe records one rate-limited attempt for email, and returns the
// domains that crossed the configured share threshold this tick, if any
// completed. The return value is informational only.
func (m *Monitor) Observe(email string) []string {
	return m.sketch.ProcessTick(domainOf(email))
}

// DomainCount is one domain's approximate rate-limited-attempt count.
type DomainCount struct {
	Domain string
	Count  uint32
}

// Snapshot returns the current top-K domains, sorted by descending count,
// for the /debug/abuse endpoint.
func (m *Monitor) Snapshot() []DomainCount {
	items := m.sketch.Snapshot()
	out := make([]DomainCount, len(items))
	for i, it := range items {
		out[i] = DomainCount{Domain: it.Key, Count: it.Count}
	}
	return out
}

func domainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	return strings.ToLower(email[at+1:])
}

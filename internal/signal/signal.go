package signal

import (
	"errors"
	"strings"
	"time"
)

// Category classifies what an anomaly detector believes is wrong.
type Category string

const (
	CategoryResource Category = "resource"
	CategoryLatency  Category = "latency"
	CategoryError    Category = "error"
	CategoryOther    Category = "other"
)

// Kind discriminates the two signal variants on the wire and in logs.
type Kind string

const (
	KindAnomaly Kind = "anomaly"
	KindRCA     Kind = "rca"
)

// Signal is the tagged union consumed by the closed-loop pipeline.
// Exactly two implementations exist: Anomaly and RCA.
type Signal interface {
	SignalKind() Kind
	// TargetService returns the service this signal points at, or ""
	// when no target can be derived.
	TargetService() string
	Window() string
}

// Anomaly is an anomaly-detection verdict for one observation window.
type Anomaly struct {
	WindowID     string         `json:"windowId"`
	Service      string         `json:"service"`
	IsAnomaly    bool           `json:"isAnomaly"`
	Score        float64        `json:"score"`
	Category     Category       `json:"category"`
	ModelVersion string         `json:"modelVersion,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ObservedAt   time.Time      `json:"observedAt,omitempty"`
}

func (a Anomaly) SignalKind() Kind      { return KindAnomaly }
func (a Anomaly) TargetService() string { return a.Service }
func (a Anomaly) Window() string        { return a.WindowID }

// RankedCause is one entry in an RCA signal's cause ranking.
type RankedCause struct {
	Service     string  `json:"service"`
	Cause       string  `json:"cause"`
	Probability float64 `json:"probability"`
}

// RCA is a root-cause diagnosis for one observation window.
type RCA struct {
	WindowID     string         `json:"windowId"`
	Service      string         `json:"service,omitempty"`
	RankedCauses []RankedCause  `json:"rankedCauses"`
	Confidence   float64        `json:"confidence"`
	Explanation  string         `json:"explanation,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ObservedAt   time.Time      `json:"observedAt,omitempty"`
}

func (r RCA) SignalKind() Kind { return KindRCA }

// TargetService prefers the top-ranked cause's service, falling back to
// the signal-level service field.
func (r RCA) TargetService() string {
	if top, ok := r.TopCause(); ok && top.Service != "" {
		return top.Service
	}
	return r.Service
}

func (r RCA) Window() string { return r.WindowID }

// TopCause returns the highest-probability cause. Ties resolve to the
// earliest entry so the ranking stays stable across calls.
func (r RCA) TopCause() (RankedCause, bool) {
	if len(r.RankedCauses) == 0 {
		return RankedCause{}, false
	}
	top := r.RankedCauses[0]
	for _, c := range r.RankedCauses[1:] {
		if c.Probability > top.Probability {
			top = c
		}
	}
	return top, true
}

var (
	ErrMissingWindow  = errors.New("signal: windowId is required")
	ErrMissingService = errors.New("signal: no target service")
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize clamps the score into [0,1] and defaults unknown categories
// to "other". Called once at ingestion, before the signal is queued.
func (a *Anomaly) Normalize(now time.Time) {
	a.Score = clamp01(a.Score)
	switch a.Category {
	case CategoryResource, CategoryLatency, CategoryError, CategoryOther:
	default:
		a.Category = CategoryOther
	}
	if a.ObservedAt.IsZero() {
		a.ObservedAt = now
	}
}

// Validate rejects signals that cannot be mapped to a target.
func (a *Anomaly) Validate() error {
	if strings.TrimSpace(a.WindowID) == "" {
		return ErrMissingWindow
	}
	if strings.TrimSpace(a.Service) == "" {
		return ErrMissingService
	}
	return nil
}

// Normalize clamps confidence and each cause probability into [0,1].
func (r *RCA) Normalize(now time.Time) {
	r.Confidence = clamp01(r.Confidence)
	for i := range r.RankedCauses {
		r.RankedCauses[i].Probability = clamp01(r.RankedCauses[i].Probability)
	}
	if r.ObservedAt.IsZero() {
		r.ObservedAt = now
	}
}

// Validate rejects RCA signals with no resolvable target. An empty
// rankedCauses list is valid: the mapper drops it without error.
func (r *RCA) Validate() error {
	if strings.TrimSpace(r.WindowID) == "" {
		return ErrMissingWindow
	}
	if r.TargetService() == "" {
		return ErrMissingService
	}
	return nil
}

// Package scoring defines the pluggable scorer capability and the
// configuration-driven registry that enumerates scorers deterministically.
package scoring

import (
	"context"
	"time"
)

// Kind distinguishes which score table a result lands in.
type Kind string

const (
	KindDetector Kind = "detector"
	KindAEO      Kind = "aeo"
)

// Result is the normalized output of one scorer invocation.
type Result struct {
	Kind         Kind           `json:"kind"`
	Provider     string         `json:"provider,omitempty"`
	QueryIntent  string         `json:"query_intent,omitempty"`
	Score        float64        `json:"score"`
	ModelVersion string         `json:"model_version"`
	Raw          map[string]any `json:"raw,omitempty"`
	Rationale    string         `json:"rationale,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Scorer is the capability all pluggable detectors implement.
type Scorer interface {
	ID() string
	Version() string
	Score(ctx context.Context, text string) (*Result, error)
}

// Metadata describes a registered scorer.
type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Factory builds a scorer instance.
type Factory func() Scorer

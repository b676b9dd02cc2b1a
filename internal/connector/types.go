package connector

import (
	"context"
	"encoding/json"
	"time"
)

// Connector is a typed client for one external service. All outbound
// traffic from the governance core goes through a Connector, which is
// the only network-capable surface exposed to sandboxed skills.
type Connector interface {
	ID() string
	Name() string
	Call(ctx context.Context, req *Request) (*Result, error)
}

// Request is one generic call through a connector. Typed connectors
// also expose first-class methods; Call is the surface reachable over
// the API.
type Request struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Result is the outcome of a connector call.
type Result struct {
	Data       json.RawMessage `json:"data,omitempty"`
	CostMicros int64           `json:"cost_micros"`
	Latency    time.Duration   `json:"latency"`
	Attempts   int             `json:"attempts"`
}

// CallRecord describes one outbound call for logging and accounting.
type CallRecord struct {
	Connector  string        `json:"connector"`
	Operation  string        `json:"operation"`
	Attempts   int           `json:"attempts"`
	Latency    time.Duration `json:"latency"`
	CostMicros int64         `json:"cost_micros"`
	Outcome    string        `json:"outcome"` // "ok", "timeout", "error"
}

// Config holds configuration for a connector instance.
type Config struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Endpoint    string            `json:"endpoint"`
	APIKey      string            `json:"api_key"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	BackoffBase time.Duration     `json:"backoff_base,omitempty"`
	// CostMicros is the flat per-call cost estimate in micro-USD,
	// used to reserve budget before a call is issued. Connectors with
	// usage-based pricing commit the true cost afterward.
	CostMicros int64             `json:"cost_micros,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

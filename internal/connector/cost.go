package connector

import (
	"sync/atomic"

	"github.com/skillgate/skillgate/internal/fault"
)

// Meter is the per-session running cost counter. Connectors reserve
// against it before issuing a call and commit the actual cost after;
// everything else reads it. Amounts are micro-USD so the counter can
// stay a plain atomic integer.
type Meter struct {
	limit int64 // 0 means unlimited
	total atomic.Int64
}

// NewMeter creates a meter with the given ceiling in micro-USD.
func NewMeter(limitMicros int64) *Meter {
	return &Meter{limit: limitMicros}
}

// Reserve checks that the projected cumulative cost stays under the
// ceiling. It does not mutate the counter; the true cost is committed
// after the call completes.
func (m *Meter) Reserve(estimateMicros int64) error {
	if m.limit <= 0 {
		return nil
	}
	if m.total.Load()+estimateMicros > m.limit {
		return fault.New(fault.CostLimitExceeded,
			"projected cost %dµ$ exceeds session ceiling %dµ$",
			m.total.Load()+estimateMicros, m.limit)
	}
	return nil
}

// Commit records the actual cost of a completed call.
func (m *Meter) Commit(actualMicros int64) {
	m.total.Add(actualMicros)
}

// Total returns the accumulated session cost in micro-USD.
func (m *Meter) Total() int64 { return m.total.Load() }

// Remaining returns the budget left, or -1 when unlimited.
func (m *Meter) Remaining() int64 {
	if m.limit <= 0 {
		return -1
	}
	r := m.limit - m.total.Load()
	if r < 0 {
		return 0
	}
	return r
}

// Exhausted reports whether the session has no budget left.
func (m *Meter) Exhausted() bool {
	return m.limit > 0 && m.total.Load() >= m.limit
}

// Limit returns the configured ceiling in micro-USD (0 = unlimited).
func (m *Meter) Limit() int64 { return m.limit }

package engine

import (
	"fmt"
)

// TickSequenceValidator enforces gapless world ticks per city partition:
// every city must see tick N before tick N+1, and a skipped tick is an
// error rather than a silent jump in simulation time.
// Not thread-safe — only accessed from the single-threaded engine.
type TickSequenceValidator struct {
	expectedNextTick map[string]int64 // partition -> next expected world tick
	metrics          *TickSequenceMetrics
}

func NewTickSequenceValidator() *TickSequenceValidator {
	return &TickSequenceValidator{
		expectedNextTick: make(map[string]int64),
		metrics:          NewTickSequenceMetrics(),
	}
}

// ValidateTick checks world tick ordering for one city partition. It never
// mutates the expected tick: a tick that passes here can still be rejected
// downstream, and a rejected tick must stay replayable. Advance commits the
// tick once it has actually been applied.
func (sv *TickSequenceValidator) ValidateTick(
	partition string,
	worldTick int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextTick[partition]

	if worldTick < expected {
		// Stale or duplicate
		if isDuplicate {
			// Already processed
			return nil
		}
		// Out-of-order delivery of a NEW tick
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order tick: partition=%s, expected=%d, got=%d",
			partition, expected, worldTick)
	}

	if worldTick == expected {
		return nil
	}

	// worldTick > expected - gap detected
	sv.metrics.RecordGap(partition, expected, worldTick)
	return fmt.Errorf("tick gap: partition=%s, expected=%d, got=%d",
		partition, expected, worldTick)
}

// Advance commits an applied tick for a partition. Stale ticks (duplicate
// redeliveries that ValidateTick let through) leave the counter alone.
func (sv *TickSequenceValidator) Advance(partition string, worldTick int64) {
	if worldTick+1 > sv.expectedNextTick[partition] {
		sv.expectedNextTick[partition] = worldTick + 1
	}
}

// GetExpectedTick returns next expected world tick for a partition
func (sv *TickSequenceValidator) GetExpectedTick(partition string) int64 {
	return sv.expectedNextTick[partition]
}

// ExportState copies the per-partition expected ticks (used for snapshots)
func (sv *TickSequenceValidator) ExportState() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextTick))
	for k, v := range sv.expectedNextTick {
		out[k] = v
	}
	return out
}

// SetExpectedTick initializes the expected tick (used during recovery)
func (sv *TickSequenceValidator) SetExpectedTick(partition string, tick int64) {
	sv.expectedNextTick[partition] = tick
}

// --- Metrics ---

// TickSequenceMetrics tracks tick validation stats.
// Not thread-safe — only accessed from the single-threaded engine.
type TickSequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
}

func NewTickSequenceMetrics() *TickSequenceMetrics {
	return &TickSequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *TickSequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *TickSequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *TickSequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *TickSequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

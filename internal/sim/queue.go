package sim

// QueueKind discriminates build vs train entries.
type QueueKind uint8

const (
	QueueBuild QueueKind = iota
	QueueTrain
)

// QueueEntry is one pending construction or training job. Entries are held
// in submission order (FIFO) and advance one tick at a time; when
// TicksRemaining reaches zero the entry's effect is applied by the city.
type QueueEntry struct {
	Kind           QueueKind    `json:"kind"`
	Building       BuildingType `json:"building,omitempty"`
	Slot           int          `json:"slot,omitempty"`
	Unit           UnitType     `json:"unit,omitempty"`
	Qty            int64        `json:"qty,omitempty"`
	TicksRemaining int          `json:"ticks_remaining"`
	SubmittedSeq   int64        `json:"submitted_seq"` // city version at submission, for FIFO auditing
}

// AdvanceQueue decrements every entry by one tick in queue order and splits
// off the completed entries. Completion is strictly FIFO: an entry whose
// counter hits zero stays queued (held at zero) until every entry submitted
// before it has completed, so a short job can never overtake a long one.
func AdvanceQueue(entries []QueueEntry) (remaining, completed []QueueEntry) {
	remaining = entries[:0]
	blocked := false
	for _, e := range entries {
		if e.TicksRemaining > 0 {
			e.TicksRemaining--
		}
		if e.TicksRemaining <= 0 && !blocked {
			completed = append(completed, e)
			continue
		}
		blocked = true
		remaining = append(remaining, e)
	}
	return remaining, completed
}

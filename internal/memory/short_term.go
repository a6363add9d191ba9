package memory

// ShortTermBuffer is a fixed-capacity FIFO of recent conversation turns
type ShortTermBuffer struct {
	turns    []Turn
	capacity int
	maxChars int
	seq      int
}

// NewShortTermBuffer creates a buffer holding at most capacity turns,
// each truncated to maxChars characters
func NewShortTermBuffer(capacity, maxChars int) *ShortTermBuffer {
	if capacity <= 0 {
		capacity = DefaultShortTermSize
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxTurnChars
	}
	return &ShortTermBuffer{
		turns:    make([]Turn, 0, capacity),
		capacity: capacity,
		maxChars: maxChars,
	}
}

// Add appends a turn, evicting the oldest one on overflow
func (b *ShortTermBuffer) Add(t Turn) Turn {
	t.Content = truncateRunes(t.Content, b.maxChars)
	b.seq++
	t.Seq = b.seq

	b.turns = append(b.turns, t)
	if len(b.turns) > b.capacity {
		// Shift instead of reslicing so the backing array does not grow forever
		copy(b.turns, b.turns[1:])
		b.turns = b.turns[:b.capacity]
	}
	return t
}

// Turns returns a copy of the buffered turns, oldest first
func (b *ShortTermBuffer) Turns() []Turn {
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Last returns a copy of the newest n turns
func (b *ShortTermBuffer) Last(n int) []Turn {
	if n <= 0 || n >= len(b.turns) {
		return b.Turns()
	}
	out := make([]Turn, n)
	copy(out, b.turns[len(b.turns)-n:])
	return out
}

// Len returns the number of buffered turns
func (b *ShortTermBuffer) Len() int {
	return len(b.turns)
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

package chunker

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/meshpost/logger"
)

const (
	// DefaultTimeout is how long a partial message may wait for its
	// remaining chunks, measured from the first chunk seen.
	DefaultTimeout = 30 * time.Second

	// DefaultSweepInterval is how often stale partial messages are evicted.
	DefaultSweepInterval = 10 * time.Second
)

// partialMessage accumulates chunks for one messageId.
type partialMessage struct {
	chunks      map[int]Chunk
	totalChunks int
	checksum    string
	firstSeen   time.Time
}

// Reassembler groups incoming chunks by messageId and emits the original
// message once every index has arrived. Partners that never complete a
// transfer are garbage collected by a periodic sweep so memory stays
// bounded. Safe for concurrent use.
type Reassembler struct {
	mu       sync.Mutex
	partials map[string]*partialMessage

	timeout       time.Duration
	sweepInterval time.Duration

	done chan struct{}
	once sync.Once
}

// NewReassembler creates a reassembler. Zero durations fall back to the
// defaults. Call Start to run the eviction sweep and Stop on shutdown.
func NewReassembler(timeout, sweepInterval time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Reassembler{
		partials:      make(map[string]*partialMessage),
		timeout:       timeout,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (r *Reassembler) Start() {
	go r.sweepLoop()
}

// Stop terminates the sweep loop. Idempotent.
func (r *Reassembler) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
}

func (r *Reassembler) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

// sweep evicts partial messages whose first chunk is older than the timeout.
func (r *Reassembler) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, partial := range r.partials {
		if now.Sub(partial.firstSeen) > r.timeout {
			logger.Warn("reasm", "evicting stale partial message %s (%d/%d chunks after %v)",
				id, len(partial.chunks), partial.totalChunks, r.timeout)
			delete(r.partials, id)
		}
	}
}

// AddChunk feeds one chunk in. When the chunk completes its message the
// reassembled text is returned with ok=true and the group is released.
// Duplicate indices are absorbed, not counted twice. A chunk that
// contradicts its group's framing fails the whole group.
func (r *Reassembler) AddChunk(c Chunk) (string, bool, error) {
	if c.MessageID == "" || c.TotalChunks <= 0 {
		return "", false, fmt.Errorf("chunk missing framing fields")
	}
	if c.Index < 0 || c.Index >= c.TotalChunks {
		return "", false, fmt.Errorf("%w: index %d out of range 0..%d", ErrMissingOrDuplicateIndex, c.Index, c.TotalChunks-1)
	}

	r.mu.Lock()

	partial, exists := r.partials[c.MessageID]
	if !exists {
		partial = &partialMessage{
			chunks:      make(map[int]Chunk),
			totalChunks: c.TotalChunks,
			checksum:    c.Checksum,
			firstSeen:   time.Now(),
		}
		r.partials[c.MessageID] = partial
	}

	if c.TotalChunks != partial.totalChunks {
		delete(r.partials, c.MessageID)
		r.mu.Unlock()
		return "", false, fmt.Errorf("%w: %d vs %d for message %s", ErrTotalChunksMismatch, c.TotalChunks, partial.totalChunks, c.MessageID)
	}
	if c.Checksum != partial.checksum {
		delete(r.partials, c.MessageID)
		r.mu.Unlock()
		return "", false, fmt.Errorf("%w: chunks declare different checksums for message %s", ErrChecksumMismatch, c.MessageID)
	}

	if _, dup := partial.chunks[c.Index]; !dup {
		partial.chunks[c.Index] = c
	}

	if len(partial.chunks) < partial.totalChunks {
		r.mu.Unlock()
		return "", false, nil
	}

	// Complete: release the group before reassembling
	delete(r.partials, c.MessageID)
	all := make([]Chunk, 0, len(partial.chunks))
	for _, stored := range partial.chunks {
		all = append(all, stored)
	}
	r.mu.Unlock()

	message, err := Reassemble(all)
	if err != nil {
		return "", false, fmt.Errorf("failed to reassemble message %s: %w", c.MessageID, err)
	}
	return message, true, nil
}

// PendingCount returns how many partial messages are currently tracked.
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials)
}

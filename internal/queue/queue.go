// Package queue is the offline message store: a bounded per-address FIFO
// with time-based expiry. Entries are held in memory only; a restart drops
// the backlog.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipherwire/cipherwire/internal/metrics"
)

const (
	DefaultMaxPerAddress = 100
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Message is one queued entry. ID is assigned by the queue; MessageID is
// the sender-supplied id echoed back on delivery.
type Message struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// Stats is the aggregate view served by the HTTP boundary.
type Stats struct {
	TotalMessages int            `json:"totalMessages"`
	Addresses     int            `json:"addresses"`
	PerAddress    map[string]int `json:"perAddress"`
}

// Options configures a Queue; zero values take the defaults above.
type Options struct {
	MaxPerAddress int
	Retention     time.Duration
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Queue holds per-address FIFO sequences. The caller passes normalized
// addresses; the queue does not re-validate them.
type Queue struct {
	mu            sync.Mutex
	byAddr        map[string][]Message
	maxPerAddress int
	retention     time.Duration
	sweepInterval time.Duration
	metrics       *metrics.Metrics
	log           *slog.Logger
	now           func() time.Time
}

func New(opts Options) *Queue {
	if opts.MaxPerAddress <= 0 {
		opts.MaxPerAddress = DefaultMaxPerAddress
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		byAddr:        make(map[string][]Message),
		maxPerAddress: opts.MaxPerAddress,
		retention:     opts.Retention,
		sweepInterval: opts.SweepInterval,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		now:           opts.Now,
	}
}

// Enqueue appends a message for addr. At capacity the oldest entry is
// dropped first; enqueue itself never fails. Returns the stored entry.
func (q *Queue) Enqueue(addr, from, content, messageID string) Message {
	msg := Message{
		ID:        uuid.NewString(),
		MessageID: messageID,
		From:      from,
		Content:   content,
		QueuedAt:  q.now(),
	}
	q.mu.Lock()
	seq := q.byAddr[addr]
	if len(seq) >= q.maxPerAddress {
		seq = seq[1:]
		if q.metrics != nil {
			q.metrics.IncCapEvicted()
		}
		q.log.Debug("queue full, dropped oldest", "addr", addr)
	}
	q.byAddr[addr] = append(seq, msg)
	q.mu.Unlock()
	return msg
}

// Dequeue returns the full sequence for addr in insertion order and clears
// it atomically. A second immediate call returns nil.
func (q *Queue) Dequeue(addr string) []Message {
	q.mu.Lock()
	seq := q.byAddr[addr]
	delete(q.byAddr, addr)
	q.mu.Unlock()
	return seq
}

// Peek returns up to limit oldest entries without mutating the sequence.
// limit <= 0 means all.
func (q *Queue) Peek(addr string, limit int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.byAddr[addr]
	if limit <= 0 || limit > len(seq) {
		limit = len(seq)
	}
	out := make([]Message, limit)
	copy(out, seq[:limit])
	return out
}

// Clear removes the sequence for addr, reporting whether anything existed.
func (q *Queue) Clear(addr string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byAddr[addr]
	delete(q.byAddr, addr)
	return ok
}

// Size returns the current queue length for addr.
func (q *Queue) Size(addr string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byAddr[addr])
}

// TotalSize returns the number of queued messages across all addresses.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, seq := range q.byAddr {
		total += len(seq)
	}
	return total
}

// Snapshot returns aggregate counts for the stats endpoint.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{PerAddress: make(map[string]int, len(q.byAddr))}
	for addr, seq := range q.byAddr {
		stats.PerAddress[addr] = len(seq)
		stats.TotalMessages += len(seq)
	}
	stats.Addresses = len(q.byAddr)
	return stats
}

// Sweep removes entries older than the retention window and drops emptied
// sequences. Returns the number of removed entries.
func (q *Queue) Sweep(now time.Time) int {
	cutoff := now.Add(-q.retention)
	removed := 0
	q.mu.Lock()
	for addr, seq := range q.byAddr {
		// Entries are in insertion order, so expired ones form a prefix.
		i := 0
		for i < len(seq) && !seq[i].QueuedAt.After(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		removed += i
		if i == len(seq) {
			delete(q.byAddr, addr)
		} else {
			q.byAddr[addr] = seq[i:]
		}
	}
	q.mu.Unlock()
	if removed > 0 {
		if q.metrics != nil {
			q.metrics.AddExpired(removed)
		}
		q.log.Info("expired queued messages removed", "count", removed)
	}
	return removed
}

// Run tickers the retention sweep until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tickAt := <-ticker.C:
			q.Sweep(tickAt)
		}
	}
}

// Package persistence batches append-only records and account overwrites
// into the database off the decision path.
package persistence

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"futures-core/pkg/db"
)

// maxAttempts bounds how many flushes a statement may take part in before
// it is discarded.
const maxAttempts = 3

type queued struct {
	st       db.Statement
	attempts int
}

// BatchWriter queues statements and writes them in one transaction per
// flush. Keyed overwrites replace any queued statement with the same key,
// so a burst of account updates lands as a single row write. A failed batch
// goes back to the head of the queue.
type BatchWriter struct {
	db       *db.Database
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	queue  []queued
	byKey  map[string]int
	flushM sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	totalWrites    atomic.Uint64
	totalBatches   atomic.Uint64
	totalErrors    atomic.Uint64
	totalCoalesced atomic.Uint64
	totalDiscarded atomic.Uint64
	lastMu         sync.Mutex
	lastSize       int
	lastFlush      time.Time
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites    uint64    `json:"total_writes"`
	TotalBatches   uint64    `json:"total_batches"`
	TotalErrors    uint64    `json:"total_errors"`
	TotalCoalesced uint64    `json:"total_coalesced"`
	TotalDiscarded uint64    `json:"total_discarded"`
	Pending        int       `json:"pending"`
	LastBatchSize  int       `json:"last_batch_size"`
	LastFlushTime  time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes when maxSize statements are
// queued or every interval, whichever comes first.
func NewBatchWriter(database *db.Database, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:       database,
		maxSize:  maxSize,
		interval: interval,
		queue:    make([]queued, 0, maxSize),
		byKey:    make(map[string]int),
		done:     make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Write queues a statement.
func (bw *BatchWriter) Write(st db.Statement) {
	bw.mu.Lock()
	if i, ok := bw.byKey[st.Key]; ok && st.Key != "" {
		bw.queue[i] = queued{st: st}
		bw.totalCoalesced.Add(1)
		bw.mu.Unlock()
		return
	}
	bw.push(queued{st: st})
	full := len(bw.queue) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(); err != nil {
			log.Printf("⚠️ BatchWriter: size-triggered flush: %v", err)
		}
	}
}

// push appends under bw.mu.
func (bw *BatchWriter) push(q queued) {
	if q.st.Key != "" {
		bw.byKey[q.st.Key] = len(bw.queue)
	}
	bw.queue = append(bw.queue, q)
}

// Flush writes everything queued so far.
func (bw *BatchWriter) Flush() error {
	bw.flushM.Lock()
	defer bw.flushM.Unlock()

	bw.mu.Lock()
	batch := bw.queue
	bw.queue = make([]queued, 0, bw.maxSize)
	bw.byKey = make(map[string]int)
	bw.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := bw.execute(batch)
	if err != nil {
		bw.requeue(batch)
	}
	return err
}

func (bw *BatchWriter) execute(batch []queued) error {
	bw.totalBatches.Add(1)
	bw.lastMu.Lock()
	bw.lastSize = len(batch)
	bw.lastFlush = time.Now()
	bw.lastMu.Unlock()

	tx, err := bw.db.DB.Begin()
	if err != nil {
		bw.totalErrors.Add(1)
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, q := range batch {
		if _, err := tx.Exec(q.st.Query, q.st.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			return fmt.Errorf("write %s: %w", q.st.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		return fmt.Errorf("commit batch: %w", err)
	}
	bw.totalWrites.Add(uint64(len(batch)))
	return nil
}

// requeue puts a failed batch back ahead of anything written since. Newer
// keyed statements win over their failed predecessors.
func (bw *BatchWriter) requeue(batch []queued) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	newer := bw.queue
	bw.queue = make([]queued, 0, len(batch)+len(newer))
	bw.byKey = make(map[string]int)
	for _, q := range batch {
		q.attempts++
		if q.attempts >= maxAttempts {
			bw.totalDiscarded.Add(1)
			log.Printf("❌ BatchWriter: dropping %s write after %d attempts", q.st.Table, q.attempts)
			continue
		}
		bw.push(q)
	}
	for _, q := range newer {
		if i, ok := bw.byKey[q.st.Key]; ok && q.st.Key != "" {
			bw.queue[i] = q
			bw.totalCoalesced.Add(1)
			continue
		}
		bw.push(q)
	}
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				log.Printf("⚠️ BatchWriter: background flush: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Printf("⚠️ BatchWriter: final flush: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of queued statements.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.queue)
}

// GetMetrics returns the current counters.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.lastMu.Lock()
	size, at := bw.lastSize, bw.lastFlush
	bw.lastMu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:    bw.totalWrites.Load(),
		TotalBatches:   bw.totalBatches.Load(),
		TotalErrors:    bw.totalErrors.Load(),
		TotalCoalesced: bw.totalCoalesced.Load(),
		TotalDiscarded: bw.totalDiscarded.Load(),
		Pending:        bw.Pending(),
		LastBatchSize:  size,
		LastFlushTime:  at,
	}
}

// Close flushes what is left and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}

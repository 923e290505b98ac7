package writer

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/axonops/axonops-delta-writer/internal/delta"
	"github.com/axonops/axonops-delta-writer/internal/metrics"
	"github.com/axonops/axonops-delta-writer/internal/schema"
)

// Result is delivered to each submitter when its group's commit resolves.
type Result struct {
	Version     int64
	RecordCount int
	Err         error
}

// writeSubmission is one queued write request. The done channel is the
// submitter's one-shot completion sink.
type writeSubmission struct {
	tableName string
	records   []delta.Record
	schema    *schema.RecordSchema
	done      chan Result
}

// SchedulerOptions configures the batch scheduler.
type SchedulerOptions struct {
	// BatchTimeout is the tick interval that drains the queue.
	BatchTimeout time.Duration
	// MaxBatchSize is the base drain cap; the effective cap adapts to queue
	// depth around it.
	MaxBatchSize int
	// WriteTimeout bounds a blocking Write call.
	WriteTimeout time.Duration
	// CommitThreads is the number of commit workers.
	CommitThreads int
}

// BatchScheduler queues write submissions and coalesces them per table into
// single transactions on each tick. Submitters block on a one-shot channel;
// they hold no locks and do no I/O themselves.
type BatchScheduler struct {
	engine  *CommitEngine
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    SchedulerOptions

	mu     sync.Mutex
	queue  []*writeSubmission
	closed bool

	tasks  chan []*writeSubmission
	ticker *time.Ticker
	stop   chan struct{}
	tickWG sync.WaitGroup
	workWG sync.WaitGroup

	// latency tracking for the avg_write_latency gauge
	latMu    sync.Mutex
	latSum   time.Duration
	latCount int64
}

// NewBatchScheduler creates a scheduler and starts its ticker and workers.
func NewBatchScheduler(engine *CommitEngine, m *metrics.Metrics, logger *slog.Logger, opts SchedulerOptions) *BatchScheduler {
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 50 * time.Millisecond
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 1000
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.CommitThreads <= 0 {
		opts.CommitThreads = 2
	}

	s := &BatchScheduler{
		engine:  engine,
		metrics: m,
		logger:  logger,
		opts:    opts,
		tasks:   make(chan []*writeSubmission, opts.CommitThreads*4),
		ticker:  time.NewTicker(opts.BatchTimeout),
		stop:    make(chan struct{}),
	}

	for i := 0; i < opts.CommitThreads; i++ {
		s.workWG.Add(1)
		go s.worker()
	}

	s.tickWG.Add(1)
	go s.run()
	return s
}

// Submit enqueues a write and returns the completion channel. An empty
// record set resolves immediately with the table's current version.
func (s *BatchScheduler) Submit(ctx context.Context, table string, records []delta.Record, recordSchema *schema.RecordSchema) (<-chan Result, error) {
	if table == "" {
		return nil, ErrEmptyTableName
	}

	done := make(chan Result, 1)
	if len(records) == 0 {
		version, err := s.engine.CurrentVersion(ctx, table)
		done <- Result{Version: version, RecordCount: 0, Err: err}
		return done, nil
	}

	sub := &writeSubmission{
		tableName: table,
		records:   records,
		schema:    recordSchema,
		done:      done,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.queue = append(s.queue, sub)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.UpdateQueueDepth(depth, s.optimalBatchSize(depth))
	return done, nil
}

// Write submits and blocks until the commit resolves or WriteTimeout
// expires. On timeout the underlying commit keeps running; its result is
// discarded when it eventually fires.
func (s *BatchScheduler) Write(ctx context.Context, table string, records []delta.Record, recordSchema *schema.RecordSchema) (CommitResult, error) {
	done, err := s.Submit(ctx, table, records, recordSchema)
	if err != nil {
		return CommitResult{}, err
	}

	timer := time.NewTimer(s.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.Err != nil {
			return CommitResult{}, res.Err
		}
		return CommitResult{Version: res.Version, RecordCount: res.RecordCount}, nil
	case <-timer.C:
		return CommitResult{}, ErrWriteTimeout
	case <-ctx.Done():
		return CommitResult{}, ctx.Err()
	}
}

// QueueDepth returns the number of queued submissions.
func (s *BatchScheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// optimalBatchSize adapts the drain cap to queue pressure: deep queues drain
// double batches (capped), idle queues drain small ones.
func (s *BatchScheduler) optimalBatchSize(queueDepth int) int {
	configured := s.opts.MaxBatchSize
	switch {
	case queueDepth > 1000:
		size := configured * 2
		if size > 10000 {
			size = 10000
		}
		return size
	case queueDepth > 100:
		return configured
	default:
		size := configured / 2
		if size < 10 {
			size = 10
		}
		return size
	}
}

// run is the ticker loop. A panic inside one tick is logged and swallowed;
// the ticker continues on the next interval.
func (s *BatchScheduler) run() {
	defer s.tickWG.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C:
			s.safeTick()
		}
	}
}

func (s *BatchScheduler) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.tick()
}

// tick drains up to the adaptive cap, groups by table and dispatches each
// group to the worker pool.
func (s *BatchScheduler) tick() {
	s.mu.Lock()
	depth := len(s.queue)
	if depth == 0 {
		s.mu.Unlock()
		return
	}
	limit := s.optimalBatchSize(depth)
	if limit > depth {
		limit = depth
	}
	drained := s.queue[:limit]
	s.queue = append([]*writeSubmission(nil), s.queue[limit:]...)
	remaining := len(s.queue)
	s.mu.Unlock()

	s.metrics.UpdateQueueDepth(remaining, limit)

	// Group by table, preserving enqueue order inside each group.
	groups := make(map[string][]*writeSubmission)
	var order []string
	for _, sub := range drained {
		if _, ok := groups[sub.tableName]; !ok {
			order = append(order, sub.tableName)
		}
		groups[sub.tableName] = append(groups[sub.tableName], sub)
	}

	for _, table := range order {
		s.tasks <- groups[table]
	}
}

// worker commits dispatched groups. An error is fanned out to every
// submission of the group with the same cause; groups for other tables are
// unaffected.
func (s *BatchScheduler) worker() {
	defer s.workWG.Done()
	for group := range s.tasks {
		s.commitGroup(group)
	}
}

func (s *BatchScheduler) commitGroup(group []*writeSubmission) {
	if len(group) == 0 {
		return
	}
	table := group[0].tableName

	// Coalesce in enqueue order; the group's schema is the first
	// submission's.
	total := 0
	for _, sub := range group {
		total += len(sub.records)
	}
	records := make([]delta.Record, 0, total)
	for _, sub := range group {
		records = append(records, sub.records...)
	}
	if len(group) > 1 {
		s.metrics.RecordConsolidation()
	}

	start := time.Now()
	result, err := s.engine.Commit(context.Background(), table, records, group[0].schema)
	s.observeLatency(time.Since(start))

	for _, sub := range group {
		if err != nil {
			sub.done <- Result{Err: err}
			continue
		}
		sub.done <- Result{Version: result.Version, RecordCount: len(sub.records)}
	}
}

func (s *BatchScheduler) observeLatency(d time.Duration) {
	s.latMu.Lock()
	s.latSum += d
	s.latCount++
	avg := float64(s.latSum.Milliseconds()) / float64(s.latCount)
	s.latMu.Unlock()
	s.metrics.UpdateAvgLatency(avg)
}

// Close stops the ticker, fails all pending submissions with ErrShutdown and
// waits for in-flight commits to finish, bounded at five seconds.
func (s *BatchScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.ticker.Stop()
	close(s.stop)
	s.tickWG.Wait()

	for _, sub := range pending {
		sub.done <- Result{Err: ErrShutdown}
	}

	close(s.tasks)
	done := make(chan struct{})
	go func() {
		s.workWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for commit workers to drain")
		return nil
	}
}

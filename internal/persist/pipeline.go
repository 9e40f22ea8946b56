package persist

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/unicornbottle/ub-httpproxy/internal/metrics"
)

// Pipeline drains write records from a bounded in-memory queue and bulk
// writes them into per-tenant stores. One background goroutine owns all
// tenant connections; dispatcher goroutines only touch the queue.
type Pipeline struct {
	store  TenantStore
	logger *slog.Logger
	m      *metrics.Metrics

	queue        chan WriteRecord
	done         chan struct{}
	wg           sync.WaitGroup
	pollInterval time.Duration
	maxBulkWrite int
	fuzzerMode   bool

	conns map[uuid.UUID]TenantConn

	dropCount atomic.Int64
	lostCount atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQueueCap sets the hard cap of the in-memory queue.
func WithQueueCap(n int) Option {
	return func(p *Pipeline) { p.queue = make(chan WriteRecord, n) }
}

// WithMaxBulkWrite sets how many records one flush cycle drains.
func WithMaxBulkWrite(n int) Option {
	return func(p *Pipeline) { p.maxBulkWrite = n }
}

// WithPollInterval sets the gap between flush cycles.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.pollInterval = d }
}

// WithFuzzerMode suppresses all writes. A fuzzing client generates
// high-cardinality garbage URLs that would pollute the endpoint
// metadata table.
func WithFuzzerMode(on bool) Option {
	return func(p *Pipeline) { p.fuzzerMode = on }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.m = m }
}

// NewPipeline creates a pipeline over the given store. Start must be
// called to begin flushing.
func NewPipeline(store TenantStore, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		logger:       logger,
		queue:        make(chan WriteRecord, 10000),
		done:         make(chan struct{}),
		pollInterval: 50 * time.Millisecond,
		maxBulkWrite: 100,
		conns:        make(map[uuid.UUID]TenantConn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue appends a record to the queue. It never blocks: past the hard
// cap the record is dropped and the drop counted.
func (p *Pipeline) Enqueue(rec WriteRecord) {
	select {
	case p.queue <- rec:
	default:
		drops := p.dropCount.Add(1)
		if p.m != nil {
			p.m.PersistDrops.Inc()
		}
		p.logger.Warn("write record dropped, queue full",
			"tenant", rec.Tenant, "total_drops", drops)
	}
}

// Start launches the background flush loop.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop signals shutdown and waits for the final flush.
func (p *Pipeline) Stop() {
	close(p.done)
	p.wg.Wait()
}

// DroppedRecords reports records dropped at the queue cap.
func (p *Pipeline) DroppedRecords() int64 { return p.dropCount.Load() }

// LostRecords reports records lost to storage failures after dequeue.
func (p *Pipeline) LostRecords() int64 { return p.lostCount.Load() }

// QueueDepth reports the current queue usage.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

// loop flushes on a fixed cadence. Storage failures never stop it; it
// logs and keeps going until shutdown.
func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	defer p.closeConns()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cycle()
		case <-p.done:
			// Drain whatever is left before exiting.
			for len(p.queue) > 0 {
				p.cycle()
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// cycle drains up to maxBulkWrite records, groups them by tenant and
// writes each tenant's group in arrival order.
func (p *Pipeline) cycle() {
	grouped := make(map[uuid.UUID][]WriteRecord)
	order := make([]uuid.UUID, 0, 4)

drain:
	for i := 0; i < p.maxBulkWrite; i++ {
		select {
		case rec := <-p.queue:
			if _, seen := grouped[rec.Tenant]; !seen {
				order = append(order, rec.Tenant)
			}
			grouped[rec.Tenant] = append(grouped[rec.Tenant], rec)
		default:
			break drain
		}
	}
	if len(order) == 0 {
		return
	}

	start := time.Now()
	for _, tenant := range order {
		if err := p.writeTenant(tenant, grouped[tenant]); err != nil {
			// One tenant's failure must not abort the others.
			p.lostCount.Add(int64(len(grouped[tenant])))
			if p.m != nil {
				p.m.PersistLostBatch.Inc()
			}
			p.logger.Error("tenant batch lost",
				"tenant", tenant, "records", len(grouped[tenant]), "error", err)
			// The connection may be poisoned; redial next cycle.
			p.dropConn(tenant)
		}
	}
	if p.m != nil {
		p.m.PersistFlush.Observe(time.Since(start).Seconds())
	}
}

// writeTenant commits one tenant's records. Within the batch,
// duplicate (url, method) pairs reuse the first metadata insert.
func (p *Pipeline) writeTenant(tenant uuid.UUID, records []WriteRecord) error {
	if p.fuzzerMode {
		return nil
	}

	conn, err := p.conn(tenant)
	if err != nil {
		return err
	}

	// All metadata rows must be resolved before the first traffic
	// insert: metadata auto-commits outside the batch transaction, and
	// a single-writer store cannot admit it once the batch holds the
	// write lock.
	endpointIDs := make(map[uint64]int64, len(records))
	rowIDs := make([]int64, len(records))
	for i, rec := range records {
		url := rec.Request.NormalizedURL()
		method := string(rec.Request.Method)
		key := xxhash.Sum64String(url + "\x00" + method)

		id, ok := endpointIDs[key]
		if !ok {
			id, err = conn.EndpointID(url, method)
			if err != nil {
				return err
			}
			endpointIDs[key] = id
		}
		rowIDs[i] = id
	}

	for i, rec := range records {
		if err := conn.InsertTraffic(rowIDs[i], rec); err != nil {
			return err
		}
	}
	if err := conn.Commit(); err != nil {
		return err
	}
	if p.m != nil {
		p.m.PersistWrites.Add(float64(len(records)))
	}
	return nil
}

// conn returns the cached connection for tenant, dialing on first use.
func (p *Pipeline) conn(tenant uuid.UUID) (TenantConn, error) {
	if c, ok := p.conns[tenant]; ok {
		return c, nil
	}
	c, err := p.store.Connect(tenant, false)
	if err != nil {
		return nil, err
	}
	p.conns[tenant] = c
	return c, nil
}

func (p *Pipeline) dropConn(tenant uuid.UUID) {
	if c, ok := p.conns[tenant]; ok {
		_ = c.Close()
		delete(p.conns, tenant)
	}
}

func (p *Pipeline) closeConns() {
	for tenant, c := range p.conns {
		if err := c.Close(); err != nil {
			p.logger.Warn("closing tenant connection", "tenant", tenant, "error", err)
		}
	}
	p.conns = make(map[uuid.UUID]TenantConn)
}

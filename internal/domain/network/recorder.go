package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// Sink persists samples. It is satisfied by the sample stores.
type Sink interface {
	Append(ctx context.Context, sample Sample) error
}

// RecorderConfig sizes the queue and the retry policy.
type RecorderConfig struct {
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
	// OnRecorded runs after a sample has been persisted.
	OnRecorded func(Sample)
}

// RecorderStats counts queue outcomes.
type RecorderStats struct {
	Accepted int64 `json:"accepted"`
	Recorded int64 `json:"recorded"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

// Recorder persists samples off the request path through a bounded queue.
// Record never blocks: a full queue drops the sample.
type Recorder struct {
	sink   Sink
	cfg    RecorderConfig
	logger *utils.Logger
	queue  chan Sample

	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}

	accepted atomic.Int64
	recorded atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewRecorder creates a recorder. Call Start to begin draining the queue.
func NewRecorder(sink Sink, cfg RecorderConfig, logger *utils.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	return &Recorder{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Sample, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Record validates and enqueues a sample. It reports whether the sample was
// accepted; invalid samples return an error.
func (r *Recorder) Record(sample Sample) (bool, error) {
	if err := sample.Validate(); err != nil {
		return false, err
	}
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return false, errors.New(errors.KindDomain, "network.record", "recorder stopped")
	}

	select {
	case r.queue <- sample:
		r.accepted.Add(1)
		return true, nil
	default:
		r.dropped.Add(1)
		r.logger.WarnTag("NETWORK", "sample queue full, dropping sample from %s", sample.ClientIP)
		return false, nil
	}
}

// Start drains the queue until Stop is called. Samples still queued at Stop
// are flushed before it returns. Only the first call has an effect.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go func() {
		defer close(r.done)
		for sample := range r.queue {
			r.persist(ctx, sample)
		}
	}()
}

func (r *Recorder) persist(ctx context.Context, sample Sample) {
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.cfg.RetryDelay * time.Duration(attempt))
		}
		if err = r.sink.Append(ctx, sample); err == nil {
			r.recorded.Add(1)
			if r.cfg.OnRecorded != nil {
				r.cfg.OnRecorded(sample)
			}
			return
		}
	}
	r.failed.Add(1)
	r.logger.ErrorTag("NETWORK", "failed to record sample after %d attempts: %v", r.cfg.MaxRetries+1, err)
}

// Stop closes the queue and waits for queued samples to be written or for
// ctx to expire. A recorder that was never started returns at once and
// counts its queued samples as dropped.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		r.dropped.Add(int64(len(r.queue)))
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Accepted: r.accepted.Load(),
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
	}
}

package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fieldops-auth/backend/internal/audit/domain"
)

// writeTimeout bounds a single Write so a slow backend cannot stall the queue.
const writeTimeout = 5 * time.Second

// Config controls dispatcher buffering.
type Config struct {
	BufferSize int
	// DropIfFull drops events when the buffer is full instead of waiting for space.
	DropIfFull bool
}

// Dispatcher is a Sink that queues events and writes them from a single goroutine.
type Dispatcher struct {
	cfg       Config
	writer    Writer
	log       zerolog.Logger
	ch        chan domain.Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Sink = (*Dispatcher)(nil)

// NewDispatcher starts the delivery goroutine. Call Close to drain and stop it.
func NewDispatcher(cfg Config, writer Writer, log zerolog.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if writer == nil {
		writer = MultiWriter(nil)
	}
	d := &Dispatcher{
		cfg:    cfg,
		writer: writer,
		log:    log.With().Str("component", "audit").Logger(),
		ch:     make(chan domain.Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.ch:
			d.write(e)
		case <-d.done:
			for {
				select {
				case e := <-d.ch:
					d.write(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(e domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := d.writer.Write(ctx, e); err != nil {
		d.failed.Add(1)
		d.log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("audit write failed")
	}
}

// Record fills ID and OccurredAt when unset and enqueues e. With DropIfFull it never
// waits; otherwise it waits for buffer space until ctx is done.
func (d *Dispatcher) Record(ctx context.Context, e domain.Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if d.cfg.DropIfFull {
		select {
		case d.ch <- e:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}
	select {
	case d.ch <- e:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close stops accepting events and drains what is queued. Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Failed returns how many writes returned an error.
func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MetricsRecorder is an optional interface for counting deliveries.
type MetricsRecorder interface {
	IncNotification(kind, status string)
}

// Dispatcher buffers events in memory and delivers them in the background,
// so a slow mail relay never holds up a request. It is safe for concurrent
// use.
type Dispatcher struct {
	renderer      *Renderer
	mailer        Mailer
	metrics       MetricsRecorder
	buffer        []Event
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	kick          chan struct{}
	done          chan struct{}
	stopped       chan struct{}
	stopOnce      sync.Once
}

// NewDispatcher creates a Dispatcher that delivers buffered events when
// batchSize is reached or every flushInterval, whichever comes first.
func NewDispatcher(renderer *Renderer, mailer Mailer, batchSize int, flushInterval time.Duration) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Dispatcher{
		renderer:      renderer,
		mailer:        mailer,
		buffer:        make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Start delivers buffered events until Stop is called or ctx is cancelled,
// then drains the buffer once more.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.stopped)

	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Flush()
		case <-d.kick:
			d.Flush()
		case <-ctx.Done():
			d.Flush()
			return
		case <-d.done:
			d.Flush()
			return
		}
	}
}

// Notify queues ev for delivery. Events without a recipient address are
// dropped.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if ev.To == "" {
		d.count(ev.Kind, "skipped")
		return
	}

	d.mu.Lock()
	d.buffer = append(d.buffer, ev)
	shouldFlush := len(d.buffer) >= d.batchSize
	d.mu.Unlock()

	if shouldFlush {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

// Flush delivers everything buffered so far. Failures are logged, not
// returned.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	if len(d.buffer) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.buffer
	d.buffer = make([]Event, 0, d.batchSize)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ev := range batch {
		msg, err := d.renderer.Render(ev)
		if err != nil {
			slog.Error("failed to render notification", "kind", ev.Kind, "error", err)
			d.count(ev.Kind, "failed")
			continue
		}
		if err := d.mailer.Send(ctx, msg); err != nil {
			slog.Error("failed to send notification", "kind", ev.Kind, "to", ev.To, "error", err)
			d.count(ev.Kind, "failed")
			continue
		}
		d.count(ev.Kind, "sent")
	}
}

// Stop signals the background goroutine to exit and waits for the final
// flush. It must only be called after Start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	<-d.stopped
}

func (d *Dispatcher) count(kind Kind, status string) {
	if d.metrics != nil {
		d.metrics.IncNotification(string(kind), status)
	}
}

// Package reporter batches byte count events into activity log entries and
// submits them to the control plane off the tunnel's read path.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/najahiiii/tunnel-client/internal/metrics"
	"github.com/najahiiii/tunnel-client/internal/model"
)

const (
	DefaultFlushInterval = 30 * time.Second
	DefaultFlushBytes    = 1 << 20
	DefaultMaxRetries    = 3
	DefaultQueueSize     = 1024
	DefaultSubmitTimeout = 12 * time.Second
)

var (
	ErrNotRunning     = errors.New("reporter not running")
	ErrAlreadyRunning = errors.New("reporter already running")
	ErrSubmitFailed   = errors.New("activity submit failed")
	ErrDropped        = errors.New("activity entry dropped")
)

type Submitter interface {
	SubmitActivity(ctx context.Context, entry model.ActivityLogEntry) error
}

type ReportErrorKind int

const (
	SubmitFailed ReportErrorKind = iota + 1
	Dropped
)

// ReportError describes the outcome of a flush that did not submit
// everything. Dropped wins over SubmitFailed when both happened.
type ReportError struct {
	Kind    ReportErrorKind
	Entries int
	Err     error
}

func (e *ReportError) Error() string {
	base := ErrSubmitFailed
	if e.Kind == Dropped {
		base = ErrDropped
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%d entries)", base, e.Entries)
	}
	return fmt.Sprintf("%s (%d entries): %v", base, e.Entries, e.Err)
}

func (e *ReportError) Unwrap() error { return e.Err }

func (e *ReportError) Is(target error) bool {
	if e.Kind == Dropped {
		return target == ErrDropped
	}
	return target == ErrSubmitFailed
}

// Labels are copied into every entry when it is sealed.
type Labels struct {
	AppUserID   string
	Domain      string
	Application string
	Status      string
}

type Options struct {
	FlushInterval time.Duration
	FlushBytes    int64
	MaxRetries    int
	QueueSize     int
	SubmitTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.FlushBytes <= 0 {
		o.FlushBytes = DefaultFlushBytes
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = DefaultSubmitTimeout
	}
}

type Reporter struct {
	submit Submitter
	log    *slog.Logger
	opts   Options

	events   chan model.ByteCountEvent
	flushReq chan flushRequest
	labels   atomic.Pointer[Labels]

	started atomic.Bool
	ready   chan struct{}
	quit    chan struct{}

	// Events that did not fit in the queue. Folded into the next entry.
	overSent  atomic.Int64
	overRecv  atomic.Int64
	overCount atomic.Int64
}

type flushRequest struct {
	ctx   context.Context
	reply chan error
}

type pendingEntry struct {
	entry    model.ActivityLogEntry
	attempts int
}

// window accumulates events until the next seal.
type window struct {
	sent   int64
	recv   int64
	events int64
}

func (w *window) add(ev model.ByteCountEvent) {
	w.sent += ev.BytesSent
	w.recv += ev.BytesReceived
	w.events++
}

func New(submit Submitter, log *slog.Logger, opts Options) *Reporter {
	opts.applyDefaults()
	r := &Reporter{
		submit:   submit,
		log:      log,
		opts:     opts,
		events:   make(chan model.ByteCountEvent, opts.QueueSize),
		flushReq: make(chan flushRequest),
		ready:    make(chan struct{}),
		quit:     make(chan struct{}),
	}
	r.labels.Store(&Labels{})
	return r
}

func (r *Reporter) SetLabels(l Labels) { r.labels.Store(&l) }

func (r *Reporter) Labels() Labels { return *r.labels.Load() }

// Enqueue never blocks. When the queue is full the event's byte counts go
// to the overflow accumulator instead.
func (r *Reporter) Enqueue(ev model.ByteCountEvent) {
	select {
	case r.events <- ev:
	default:
		r.overSent.Add(ev.BytesSent)
		r.overRecv.Add(ev.BytesReceived)
		r.overCount.Add(1)
		metrics.ReportOverflowEvents.Inc()
	}
}

// Ready is closed once Run has started and Flush is served.
func (r *Reporter) Ready() <-chan struct{} { return r.ready }

// Flush seals the current window and submits every pending entry.
func (r *Reporter) Flush(ctx context.Context) error {
	if !r.started.Load() {
		return ErrNotRunning
	}
	req := flushRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case r.flushReq <- req:
	case <-r.quit:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the buffer until ctx is done. Entries still unsent after one
// last attempt are dropped and counted.
func (r *Reporter) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.quit)
	close(r.ready)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	var (
		w       window
		pending []*pendingEntry
	)
	for {
		select {
		case <-ctx.Done():
			r.drain(&w)
			fctx, cancel := context.WithTimeout(context.Background(), r.opts.SubmitTimeout)
			_ = r.flush(fctx, &w, &pending)
			cancel()
			if len(pending) > 0 {
				metrics.ReportDropped.WithLabelValues("shutdown").Add(float64(len(pending)))
				r.log.Warn("dropping unsent activity on shutdown", "entries", len(pending), "bytes", pendingBytes(pending))
				pending = nil
				metrics.ReportPending.Set(0)
			}
			return nil
		case ev := <-r.events:
			w.add(ev)
			// Once ctx is done only the shutdown branch flushes.
			if ctx.Err() != nil {
				continue
			}
			if w.sent+w.recv+r.overSent.Load()+r.overRecv.Load() >= r.opts.FlushBytes {
				if err := r.flush(ctx, &w, &pending); err != nil {
					r.log.Warn("activity flush failed", "err", err)
				}
			}
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			if err := r.flush(ctx, &w, &pending); err != nil {
				r.log.Warn("activity flush failed", "err", err)
			}
		case req := <-r.flushReq:
			r.drain(&w)
			req.reply <- r.flush(req.ctx, &w, &pending)
		}
	}
}

// drain moves already queued events into the window.
func (r *Reporter) drain(w *window) {
	for {
		select {
		case ev := <-r.events:
			w.add(ev)
		default:
			return
		}
	}
}

func (r *Reporter) seal(w *window, pending *[]*pendingEntry) {
	w.sent += r.overSent.Swap(0)
	w.recv += r.overRecv.Swap(0)
	w.events += r.overCount.Swap(0)
	if w.events == 0 {
		return
	}
	l := r.labels.Load()
	*pending = append(*pending, &pendingEntry{entry: model.ActivityLogEntry{
		AppUserID:     l.AppUserID,
		Domain:        l.Domain,
		Application:   l.Application,
		BytesSent:     w.sent,
		BytesReceived: w.recv,
		Status:        l.Status,
	}})
	*w = window{}
}

// flush submits pending entries oldest first. The first failure stops the
// round so later entries are never sent ahead of it.
func (r *Reporter) flush(ctx context.Context, w *window, pending *[]*pendingEntry) error {
	r.seal(w, pending)
	defer func() { metrics.ReportPending.Set(float64(len(*pending))) }()

	var (
		failed  int
		dropped int
		lastErr error
	)
	queue := *pending
	kept := make([]*pendingEntry, 0, len(queue))
	for i, p := range queue {
		sctx, cancel := context.WithTimeout(ctx, r.opts.SubmitTimeout)
		err := r.submit.SubmitActivity(sctx, p.entry)
		cancel()
		if err == nil {
			metrics.ReportSubmits.WithLabelValues("ok").Inc()
			r.log.Debug("activity submitted", "sent", p.entry.BytesSent, "received", p.entry.BytesReceived)
			continue
		}

		metrics.ReportSubmits.WithLabelValues("error").Inc()
		lastErr = err
		p.attempts++
		if p.attempts >= r.opts.MaxRetries {
			dropped++
			metrics.ReportDropped.WithLabelValues("retries_exhausted").Inc()
			r.log.Error("dropping activity entry", "attempts", p.attempts, "sent", p.entry.BytesSent, "received", p.entry.BytesReceived, "err", err)
			continue
		}
		failed++
		kept = append(kept, queue[i:]...)
		break
	}
	*pending = kept

	switch {
	case dropped > 0:
		return &ReportError{Kind: Dropped, Entries: dropped, Err: lastErr}
	case failed > 0:
		return &ReportError{Kind: SubmitFailed, Entries: len(kept), Err: lastErr}
	default:
		return nil
	}
}

func pendingBytes(pending []*pendingEntry) int64 {
	var total int64
	for _, p := range pending {
		total += p.entry.BytesSent + p.entry.BytesReceived
	}
	return total
}

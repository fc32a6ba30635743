// Package runner wires a message pipeline: one source stage feeds envelopes
// in, a bridge drops messages the state journal already knows, and one sink
// stage consumes what is left. The first stage error cancels the pipeline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/maildir-ai/model"
	"github.com/dhcgn/maildir-ai/state"
	"github.com/dhcgn/maildir-ai/stats"
)

type StageFunc func(context.Context) error

// Options selects the journal and the stage name reported with bridge events.
type Options struct {
	Name     string
	Stage    stats.Stage
	StateDir string
	// Persist controls whether the journal is written; dry runs leave it off.
	Persist bool
}

type Runner struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	pending  chan model.Message
	events   chan stats.Event

	tracker *state.FileTracker

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSourceOnce  sync.Once
	closePendingOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(opts Options, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Name == "" {
		opts.Name = string(opts.Stage)
	}

	tracker, err := state.NewFileTracker(opts.StateDir, opts.Persist)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		pending:  make(chan model.Message, 32),
		events:   make(chan stats.Event, 128),
		tracker:  tracker,
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// SourceWriter is where the source stage sends envelopes.
func (r *Runner) SourceWriter() chan<- model.Envelope {
	return r.messages
}

// CloseSource signals that the source stage has nothing more to send.
func (r *Runner) CloseSource() {
	r.closeSourceOnce.Do(func() {
		close(r.messages)
	})
}

// Pending delivers the messages the sink stage must handle.
func (r *Runner) Pending() <-chan model.Message {
	return r.pending
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Stop cancels every stage, e.g. on an interrupt.
func (r *Runner) Stop() {
	r.fail(context.Canceled)
}

// Start blocks until every stage has returned, then flushes the journal.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	if closeErr := r.tracker.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "pipeline", r.opts.Name, "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "pipeline", r.opts.Name, "duration", duration, "journal", r.tracker.Path())
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closePending()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: r.opts.Stage, Type: stats.EventTypeError, Err: envelope.Err})
				r.fail(fmt.Errorf("source envelope: %w", envelope.Err))
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: r.opts.Stage, Type: stats.EventTypeScanned, MessageID: msg.ID})

			if msg.Hash != "" && r.tracker.AlreadyProcessed(msg.Hash) {
				r.EmitEvent(stats.Event{Stage: r.opts.Stage, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				r.logger.Debug("skipping known message", "messageID", msg.ID, "origin", msg.Origin)
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.pending <- msg:
				r.EmitEvent(stats.Event{Stage: r.opts.Stage, Type: stats.EventTypeEnqueued, MessageID: msg.ID})
			}
		}
	}
}

func (r *Runner) closePending() {
	r.closePendingOnce.Do(func() {
		close(r.pending)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

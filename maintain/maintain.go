// Package maintain drives the reply loop: every pass moves the messages in
// Sent into INBOX and, for each recipient, delivers a generated reply.
package maintain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/maildir-ai/filter"
	"github.com/dhcgn/maildir-ai/generate"
	"github.com/dhcgn/maildir-ai/maildir"
	"github.com/dhcgn/maildir-ai/message"
	"github.com/dhcgn/maildir-ai/reply"
	"github.com/dhcgn/maildir-ai/stats"
	"github.com/dhcgn/maildir-ai/textwrap"
)

var (
	ErrMissingRecipient = errors.New("missing To header")
	ErrNoRecipients     = errors.New("empty recipient list")
)

const (
	DefaultPollInterval = time.Second
	DefaultErrorBackoff = time.Minute
)

type Options struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

// Maintainer owns one mailbox. Recipient tasks run detached from the loop and
// are joined by Wait; nothing limits how many are in flight.
type Maintainer struct {
	mailbox  maildir.Mailbox
	backend  generate.Backend
	composer *reply.Composer
	namer    *maildir.Namer
	filter   *filter.Filter
	opts     Options
	logger   *slog.Logger

	collector *stats.Collector
	tasks     sync.WaitGroup
}

// New creates a Maintainer. A nil filter accepts every message.
func New(mailbox maildir.Mailbox, backend generate.Backend, composer *reply.Composer, namer *maildir.Namer, f *filter.Filter, opts Options, logger *slog.Logger) (*Maintainer, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend must not be nil")
	}
	if composer == nil || namer == nil {
		return nil, fmt.Errorf("composer and namer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		mailbox:   mailbox,
		backend:   backend,
		composer:  composer,
		namer:     namer,
		filter:    f,
		opts:      opts,
		logger:    logger,
		collector: stats.NewCollector(),
	}, nil
}

// Run repeats Pass until ctx is done. A failed pass is logged and followed by
// the error back-off on top of the regular poll interval. In-flight recipient
// tasks are not waited for; call Wait for that.
func (m *Maintainer) Run(ctx context.Context) error {
	m.logger.Info("maintaining mailbox", "path", m.mailbox.Root, "poll", m.opts.PollInterval, "backoff", m.opts.ErrorBackoff)
	for {
		if err := m.Pass(ctx); err != nil && ctx.Err() == nil {
			m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeError, Err: err})
			m.logger.Error("maintenance pass failed", "err", err, "backoff", m.opts.ErrorBackoff)
			if !sleep(ctx, m.opts.ErrorBackoff) {
				return ctx.Err()
			}
		}
		if !sleep(ctx, m.opts.PollInterval) {
			return ctx.Err()
		}
	}
}

// Pass handles every message currently in Sent/cur. It stops at the first
// message that cannot be handled; files already moved stay moved.
func (m *Maintainer) Pass(ctx context.Context) error {
	paths, err := m.mailbox.List(maildir.Sent)
	if err != nil {
		return fmt.Errorf("scan %s: %w", maildir.Sent, err)
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.handle(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) handle(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	raw := string(data)
	m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeScanned, Detail: path})

	headerBlock, body := message.Split(raw)
	if !m.filter.Allows(headerBlock, body) {
		m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeRefused, Detail: path})
		m.logger.Info("message refused by filter, filing without reply", "path", path)
		return m.relocate(path)
	}

	to, ok := message.ExtractRecipient(raw)
	if !ok {
		return fmt.Errorf("%w in email: %s", ErrMissingRecipient, path)
	}

	recipients := message.SplitRecipients(to)
	if len(recipients) == 0 {
		cause := fmt.Errorf("%w in email: %s", ErrNoRecipients, path)
		logger := m.logger.With("recipient", to)
		logger.Warn("no usable recipient, delivering error notice", "path", path)
		m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeFallback, Err: cause, Detail: to})
		m.deliver(logger, m.errorNotice(strings.TrimSpace(to), raw, cause))
	}
	for _, recipient := range recipients {
		m.dispatch(ctx, path, recipient, raw)
	}

	return m.relocate(path)
}

func (m *Maintainer) relocate(path string) error {
	dst, err := m.mailbox.Relocate(path, maildir.Inbox)
	if err != nil {
		return err
	}
	m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeRelocated, Detail: dst})
	m.logger.Debug("filed original", "path", path, "file", dst)
	return nil
}

func (m *Maintainer) dispatch(ctx context.Context, path, recipient, raw string) {
	task := uuid.NewString()
	m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeDispatched, Detail: recipient})

	// Tasks outlive the loop: shutting the loop down does not abort a
	// backend call already in flight.
	taskCtx := context.WithoutCancel(ctx)

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		m.answer(taskCtx, task, path, recipient, raw)
	}()
}

func (m *Maintainer) answer(ctx context.Context, task, path, recipient, raw string) {
	logger := m.logger.With("task", task, "recipient", recipient)

	email, err := m.process(ctx, logger, path, recipient, raw)
	if err != nil {
		m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeFallback, Err: err, Detail: recipient})
		logger.Warn("generation failed, delivering error notice", "path", path, "err", err)
		email = m.errorNotice(recipient, raw, err)
	}

	m.deliver(logger, email)
}

func (m *Maintainer) deliver(logger *slog.Logger, email string) {
	dst, err := m.mailbox.Deliver(maildir.Inbox, []byte(email), m.namer)
	if err != nil {
		m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeDeliveryFailed, Err: err})
		logger.Error("delivery failed", "err", err)
		return
	}
	logger.Info("reply delivered", "file", dst)
}

// process asks the model named by the recipient's local-part to answer raw
// and returns the complete reply.
func (m *Maintainer) process(ctx context.Context, logger *slog.Logger, path, recipient, raw string) (string, error) {
	model, _, _ := strings.Cut(recipient, "@")
	logger.Info("processing", "path", path, "model", model)

	answer, err := m.backend.Generate(ctx, model, raw)
	if err != nil {
		return "", err
	}

	email, err := m.composer.Format(recipient, raw)
	if err != nil {
		return "", err
	}
	m.collector.Record(stats.Event{Stage: stats.StageMaintain, Type: stats.EventTypeReplied, Detail: recipient})
	return email + "\n\n" + textwrap.Wrap(answer), nil
}

// errorNotice is the best-effort reply used when process fails.
func (m *Maintainer) errorNotice(recipient, raw string, cause error) string {
	email, err := m.composer.Format(recipient, raw)
	if err != nil {
		return fmt.Sprintf("error processing: %v\n", err)
	}
	return email + "\n\n" + fmt.Sprintf("error processing: %v", cause)
}

// Wait blocks until every dispatched recipient task has finished.
func (m *Maintainer) Wait() {
	m.tasks.Wait()
}

// Stats returns the counters accumulated since New.
func (m *Maintainer) Stats() stats.Summary {
	return m.collector.Snapshot()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

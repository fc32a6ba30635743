// Package mbox imports mbox archives into a maildir folder, typically Sent so
// the archived messages are queued for replies.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/maildir-ai/filter"
	"github.com/dhcgn/maildir-ai/maildir"
	"github.com/dhcgn/maildir-ai/model"
	"github.com/dhcgn/maildir-ai/runner"
	"github.com/dhcgn/maildir-ai/state"
	"github.com/dhcgn/maildir-ai/stats"
)

type Options struct {
	Path string
	// Filter drops messages before they enter the pipeline. Nil keeps all.
	Filter *filter.Filter
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &fileReader{path: path, filter: opts.Filter, logger: logger}, nil
}

type fileReader struct {
	path   string
	filter *filter.Filter
	logger *slog.Logger
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return f.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err))
		}
		raw = normalize(raw)

		header, body, _ := bytes.Cut(raw, []byte("\n\n"))
		if !f.filter.Allows(string(header), string(body)) {
			if f.logger != nil {
				f.logger.Debug("message filtered", "index", idx)
			}
			continue
		}

		msg := model.FromRaw(raw, fmt.Sprintf("%s#%d", f.path, idx))
		if err := emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.path, "err", err)
	}
	return emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// normalize converts CRLF line endings to LF, the line ending messages in
// the mailbox use, and drops the blank line mbox puts between messages.
func normalize(raw []byte) []byte {
	blank := []byte("\n\n")
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	if bytes.HasSuffix(raw, blank) && bytes.Index(raw, blank) < len(raw)-len(blank) {
		raw = raw[:len(raw)-1]
	}
	return raw
}

// Producer is the source stage reading an mbox archive.
type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseSource()
	return p.reader.Stream(ctx, p.runner.SourceWriter())
}

// Importer is the sink stage delivering each message into a maildir folder.
type Importer struct {
	mailbox maildir.Mailbox
	folder  string
	namer   *maildir.Namer
	runner  *runner.Runner
	dryRun  bool
	logger  *slog.Logger
}

func NewImporter(mailbox maildir.Mailbox, folder string, namer *maildir.Namer, dryRun bool, r *runner.Runner, logger *slog.Logger) (*Importer, error) {
	if folder == "" {
		folder = maildir.Sent
	}
	if namer == nil {
		return nil, fmt.Errorf("namer must not be nil")
	}
	imp := &Importer{
		mailbox: mailbox,
		folder:  folder,
		namer:   namer,
		runner:  r,
		dryRun:  dryRun,
		logger:  logger,
	}
	r.AddStage("maildir", imp.run)
	return imp, nil
}

func (imp *Importer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-imp.runner.Pending():
			if !ok {
				return nil
			}

			dst := imp.folder
			evt := stats.Event{Stage: stats.StageImport, Type: stats.EventTypeDryRunUpload, MessageID: msg.ID}
			if !imp.dryRun {
				path, err := imp.mailbox.Deliver(imp.folder, msg.Raw, imp.namer)
				if err != nil {
					err = fmt.Errorf("import message %s: %w", msg.ID, err)
					imp.runner.EmitEvent(stats.Event{Stage: stats.StageImport, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
					return err
				}
				dst = path
				evt.Type = stats.EventTypeImported
			}

			rec := state.Record{Hash: msg.Hash, MessageID: msg.ID, Destination: dst}
			if err := imp.runner.Tracker().MarkProcessed(rec); err != nil {
				imp.runner.EmitEvent(stats.Event{Stage: stats.StageImport, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return err
			}

			imp.runner.EmitEvent(evt)
			if imp.logger != nil {
				imp.logger.Debug("imported message", "messageID", msg.ID, "subject", msg.Subject, "file", dst)
			}
		}
	}
}

// MboxMessage represents a single message from an mbox file for stats.
type MboxMessage struct {
	Raw []byte
}

// Read opens an mbox file and calls fn for each message in order.
func Read(path string, fn func(m *MboxMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		if err := fn(&MboxMessage{Raw: normalize(raw)}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

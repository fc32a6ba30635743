package imap

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dhcgn/maildir-ai/maildir"
	"github.com/dhcgn/maildir-ai/model"
	"github.com/dhcgn/maildir-ai/runner"
	"github.com/dhcgn/maildir-ai/stats"
)

type fakeAppender struct {
	mu       sync.Mutex
	mailbox  []string
	messages []model.Message
	closed   bool
}

func (f *fakeAppender) Append(_ context.Context, mailbox string, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailbox = append(f.mailbox, mailbox)
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeAppender) Close() error {
	f.closed = true
	return nil
}

type exportFixture struct {
	mailbox  maildir.Mailbox
	stateDir string
	dials    int
}

func newExportFixture(t *testing.T, raws ...string) *exportFixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "kb")
	mailbox, err := maildir.Init(root, "Tester")
	if err != nil {
		t.Fatalf("maildir.Init() error = %v", err)
	}
	namer := maildir.NewNamer("testhost", nil)
	for _, raw := range raws {
		if _, err := mailbox.Deliver(maildir.Inbox, []byte(raw), namer); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}
	return &exportFixture{mailbox: mailbox, stateDir: filepath.Join(root, ".export")}
}

func (f *exportFixture) run(t *testing.T, opts Options, dial Dialer) (stats.Summary, error) {
	t.Helper()
	r, err := runner.New(runner.Options{Stage: stats.StageExport, StateDir: f.stateDir, Persist: !opts.DryRun}, nil)
	if err != nil {
		t.Fatalf("runner.New() error = %v", err)
	}
	reporter := stats.NewReporter(r, nil)
	NewSource(f.mailbox, maildir.Inbox, r, nil)

	counting := func(ctx context.Context, o Options, logger *slog.Logger) (Appender, error) {
		f.dials++
		return dial(ctx, o, logger)
	}
	if _, err := newUploader(opts, r, counting, nil); err != nil {
		t.Fatalf("newUploader() error = %v", err)
	}
	err = r.Start()
	return reporter.Summary(), err
}

func TestExport_UploadsOnce(t *testing.T) {
	fx := newExportFixture(t,
		"Message-ID: <a@x>\nDate: Mon, 01 Jan 2024 10:00:00 +0000\n\none\n",
		"Message-ID: <b@x>\n\ntwo\n",
	)
	appender := &fakeAppender{}
	dial := func(context.Context, Options, *slog.Logger) (Appender, error) { return appender, nil }
	opts := Options{Host: "imap.example.org", Port: 993, TargetFolder: "Archive/AI"}

	summary, err := fx.run(t, opts, dial)
	if err != nil {
		t.Fatalf("first export error = %v", err)
	}
	if summary.Uploaded != 2 {
		t.Errorf("first export summary = %+v", summary)
	}
	if len(appender.messages) != 2 || appender.mailbox[0] != "Archive/AI" {
		t.Fatalf("appended %d messages to %v", len(appender.messages), appender.mailbox)
	}
	if appender.messages[0].ReceivedAt.IsZero() {
		t.Error("Date header not carried into append time")
	}
	if !appender.closed {
		t.Error("connection not closed")
	}

	summary, err = fx.run(t, opts, dial)
	if err != nil {
		t.Fatalf("second export error = %v", err)
	}
	if summary.Uploaded != 0 || summary.Duplicates != 2 {
		t.Errorf("second export summary = %+v", summary)
	}
	if fx.dials != 1 {
		t.Errorf("dialed %d times, want 1 (no dial without work)", fx.dials)
	}
}

func TestExport_DryRun(t *testing.T) {
	fx := newExportFixture(t, "Message-ID: <a@x>\n\none\n")
	dial := func(context.Context, Options, *slog.Logger) (Appender, error) {
		return nil, errors.New("must not dial")
	}

	summary, err := fx.run(t, Options{DryRun: true}, dial)
	if err != nil {
		t.Fatalf("dry run error = %v", err)
	}
	if summary.DryRunUploaded != 1 || fx.dials != 0 {
		t.Errorf("summary = %+v, dials = %d", summary, fx.dials)
	}

	// Dry runs leave no journal behind.
	summary, err = fx.run(t, Options{DryRun: true}, dial)
	if err != nil {
		t.Fatalf("second dry run error = %v", err)
	}
	if summary.DryRunUploaded != 1 {
		t.Errorf("second dry run summary = %+v", summary)
	}
}

func TestExport_DialFailure(t *testing.T) {
	fx := newExportFixture(t, "Message-ID: <a@x>\n\none\n")
	boom := errors.New("connection refused")
	dial := func(context.Context, Options, *slog.Logger) (Appender, error) { return nil, boom }

	summary, err := fx.run(t, Options{Host: "h", Port: 143}, dial)
	if !errors.Is(err, boom) {
		t.Fatalf("export error = %v, want %v", err, boom)
	}
	if summary.Uploaded != 0 {
		t.Errorf("summary = %+v, want nothing uploaded", summary)
	}
}

func TestNewUploader_Validation(t *testing.T) {
	r, err := runner.New(runner.Options{Stage: stats.StageExport, StateDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewUploader(Options{Port: 993}, r, nil); err == nil {
		t.Error("expected error for missing host")
	}
	if _, err := NewUploader(Options{Host: "h"}, r, nil); err == nil {
		t.Error("expected error for missing port")
	}
}

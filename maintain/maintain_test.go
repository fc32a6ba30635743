package maintain

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/maildir-ai/filter"
	"github.com/dhcgn/maildir-ai/header"
	"github.com/dhcgn/maildir-ai/maildir"
	"github.com/dhcgn/maildir-ai/message"
	"github.com/dhcgn/maildir-ai/reply"
)

type generateCall struct {
	model  string
	prompt string
}

type fakeBackend struct {
	mu     sync.Mutex
	calls  []generateCall
	answer string
	fail   map[string]error
}

func (f *fakeBackend) Generate(_ context.Context, model, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, generateCall{model: model, prompt: prompt})
	if err := f.fail[model]; err != nil {
		return "", err
	}
	return f.answer, nil
}

func (f *fakeBackend) models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var models []string
	for _, c := range f.calls {
		models = append(models, c.model)
	}
	sort.Strings(models)
	return models
}

func newTestMaintainer(t *testing.T, backend *fakeBackend, f *filter.Filter) (*Maintainer, maildir.Mailbox) {
	t.Helper()
	mailbox, err := maildir.Init(filepath.Join(t.TempDir(), "kb"), "Tester")
	if err != nil {
		t.Fatalf("maildir.Init() error = %v", err)
	}
	now := func() time.Time { return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC) }
	m, err := New(mailbox, backend, reply.NewComposer("testhost", now), maildir.NewNamer("testhost", nil), f,
		Options{PollInterval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, mailbox
}

func writeSent(t *testing.T, mailbox maildir.Mailbox, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(mailbox.Dir(maildir.Sent, maildir.CurDir), name), []byte(content), 0o600); err != nil {
		t.Fatalf("write sent message: %v", err)
	}
}

// inbox returns INBOX/cur contents keyed by file name.
func inbox(t *testing.T, mailbox maildir.Mailbox) map[string]string {
	t.Helper()
	paths, err := mailbox.List(maildir.Inbox)
	if err != nil {
		t.Fatalf("List(INBOX) error = %v", err)
	}
	files := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		files[filepath.Base(path)] = string(data)
	}
	return files
}

// replies returns every INBOX message except the named originals.
func replies(t *testing.T, mailbox maildir.Mailbox, originals ...string) []string {
	t.Helper()
	var out []string
	for name, content := range inbox(t, mailbox) {
		if !contains(originals, name) {
			out = append(out, content)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sentMail(to string) string {
	return "Date: Mon, 01 Jan 2024 10:00:00 +0000\n" +
		"From: me@home\n" +
		"To: " + to + "\n" +
		"Subject: Question\n" +
		"Message-ID: <q1@home>\n" +
		"\n" +
		"What is Go?\n"
}

func assertSentEmpty(t *testing.T, mailbox maildir.Mailbox) {
	t.Helper()
	paths, err := mailbox.List(maildir.Sent)
	if err != nil {
		t.Fatalf("List(Sent) error = %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("Sent/cur still holds %v", paths)
	}
}

func TestPass_RepliesAndFilesOriginal(t *testing.T) {
	backend := &fakeBackend{answer: "Go is a programming language."}
	m, mailbox := newTestMaintainer(t, backend, nil)

	original := sentMail("llama3@ai")
	writeSent(t, mailbox, "sent-1", original)

	if err := m.Pass(context.Background()); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	m.Wait()

	assertSentEmpty(t, mailbox)
	files := inbox(t, mailbox)
	if files["sent-1"] != original {
		t.Errorf("filed original = %q, want unchanged copy", files["sent-1"])
	}

	got := replies(t, mailbox, "sent-1")
	if len(got) != 1 {
		t.Fatalf("got %d replies, want 1", len(got))
	}
	if !strings.Contains(got[0], "From: llama3@ai\n") || !strings.Contains(got[0], "To: me@home\n") {
		t.Errorf("reply headers wrong:\n%s", got[0])
	}
	if !strings.HasSuffix(got[0], "> \n\nGo is a programming language.\n") {
		t.Errorf("reply does not end with the wrapped answer:\n%q", got[0])
	}

	if models := backend.models(); len(models) != 1 || models[0] != "llama3" {
		t.Errorf("backend models = %v, want [llama3]", models)
	}
	if backend.calls[0].prompt != original {
		t.Errorf("prompt = %q, want the raw message", backend.calls[0].prompt)
	}

	summary := m.Stats()
	if summary.Scanned != 1 || summary.Dispatched != 1 || summary.Replied != 1 || summary.Relocated != 1 {
		t.Errorf("Stats() = %+v", summary)
	}
}

func TestPass_RecipientFanOut(t *testing.T) {
	backend := &fakeBackend{answer: "ok"}
	m, mailbox := newTestMaintainer(t, backend, nil)
	writeSent(t, mailbox, "sent-1", sentMail("a@x, b@y"))

	if err := m.Pass(context.Background()); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	m.Wait()

	got := replies(t, mailbox, "sent-1")
	if len(got) != 2 {
		t.Fatalf("got %d replies, want 2", len(got))
	}

	ids := map[string]bool{}
	for _, r := range got {
		id, ok := message.Parse(r).First(header.KindMessageID)
		if !ok {
			t.Fatalf("reply without Message-ID:\n%s", r)
		}
		ids[id.Value] = true
	}
	if len(ids) != 2 {
		t.Errorf("Message-IDs not distinct: %v", ids)
	}

	if models := backend.models(); strings.Join(models, ",") != "a,b" {
		t.Errorf("backend models = %v, want [a b]", models)
	}
}

func TestPass_BackendFailureIsIsolated(t *testing.T) {
	backend := &fakeBackend{
		answer: "fine",
		fail:   map[string]error{"bad": errors.New("model offline")},
	}
	m, mailbox := newTestMaintainer(t, backend, nil)
	original := sentMail("good@x, bad@y")
	writeSent(t, mailbox, "sent-1", original)

	if err := m.Pass(context.Background()); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	m.Wait()

	assertSentEmpty(t, mailbox)
	if inbox(t, mailbox)["sent-1"] != original {
		t.Error("original not filed unchanged")
	}

	got := replies(t, mailbox, "sent-1")
	if len(got) != 2 {
		t.Fatalf("got %d replies, want 2", len(got))
	}

	var notices, answers int
	for _, r := range got {
		switch {
		case strings.HasSuffix(r, "\n\nerror processing: model offline"):
			notices++
			if !strings.Contains(r, "From: bad@y\n") {
				t.Errorf("error notice not written as bad@y:\n%s", r)
			}
		case strings.HasSuffix(r, "\n\nfine\n"):
			answers++
		default:
			t.Errorf("unexpected reply:\n%q", r)
		}
	}
	if notices != 1 || answers != 1 {
		t.Errorf("notices = %d, answers = %d, want 1 and 1", notices, answers)
	}
	if s := m.Stats(); s.Fallbacks != 1 || s.Replied != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPass_ComposeFailureDeliversBareNotice(t *testing.T) {
	backend := &fakeBackend{answer: "unused"}
	m, mailbox := newTestMaintainer(t, backend, nil)
	writeSent(t, mailbox, "sent-1", "From: me@home\nTo: bot@ai\n\nno date here\n")

	if err := m.Pass(context.Background()); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	m.Wait()

	got := replies(t, mailbox, "sent-1")
	want := "error processing: " + reply.ErrMissingDate.Error() + "\n"
	if len(got) != 1 || got[0] != want {
		t.Errorf("replies = %q, want [%q]", got, want)
	}
}

func TestPass_MissingRecipientAbortsPass(t *testing.T) {
	backend := &fakeBackend{answer: "ok"}
	m, mailbox := newTestMaintainer(t, backend, nil)
	writeSent(t, mailbox, "sent-1", "Date: d\nFrom: me@home\n\nno recipient\n")
	writeSent(t, mailbox, "sent-2", sentMail("bot@ai"))

	err := m.Pass(context.Background())
	if !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("Pass() error = %v, want ErrMissingRecipient", err)
	}
	m.Wait()

	paths, _ := mailbox.List(maildir.Sent)
	if len(paths) != 2 {
		t.Errorf("Sent/cur = %v, want both messages left in place", paths)
	}
	if len(backend.models()) != 0 {
		t.Error("backend called although the pass aborted first")
	}
}

func TestPass_EmptyRecipientList(t *testing.T) {
	for _, to := range []string{"", " , "} {
		t.Run("to="+strings.TrimSpace(to), func(t *testing.T) {
			backend := &fakeBackend{answer: "ok"}
			m, mailbox := newTestMaintainer(t, backend, nil)
			writeSent(t, mailbox, "sent-1", sentMail(to))

			if err := m.Pass(context.Background()); err != nil {
				t.Fatalf("Pass() error = %v", err)
			}
			m.Wait()

			assertSentEmpty(t, mailbox)
			if len(backend.models()) != 0 {
				t.Errorf("backend called for %v", backend.models())
			}
			got := replies(t, mailbox, "sent-1")
			if len(got) != 1 {
				t.Fatalf("replies = %d, want 1 error notice", len(got))
			}
			if !strings.Contains(got[0], "error processing: "+ErrNoRecipients.Error()) {
				t.Errorf("notice = %q, want the recipient error", got[0])
			}
			if !strings.Contains(got[0], "Subject: Re: Question\n") {
				t.Errorf("notice is not a reply: %q", got[0])
			}
			if s := m.Stats(); s.Fallbacks != 1 || s.Dispatched != 0 || s.Relocated != 1 {
				t.Errorf("Stats() = %+v", s)
			}
		})
	}
}

func TestPass_RelocateCollisionFailsPass(t *testing.T) {
	backend := &fakeBackend{answer: "ok"}
	m, mailbox := newTestMaintainer(t, backend, nil)

	name := "1700000000.00001_1.testhost:2,"
	existing := filepath.Join(mailbox.Dir(maildir.Inbox, maildir.CurDir), name)
	if err := os.WriteFile(existing, []byte("earlier reply"), 0o600); err != nil {
		t.Fatal(err)
	}
	writeSent(t, mailbox, name, sentMail("bot@ai"))

	err := m.Pass(context.Background())
	m.Wait()
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("Pass() error = %v, want fs.ErrExist", err)
	}
	if data, _ := os.ReadFile(existing); string(data) != "earlier reply" {
		t.Errorf("INBOX file overwritten with %q", data)
	}
	if paths, _ := mailbox.List(maildir.Sent); len(paths) != 1 {
		t.Errorf("Sent/cur = %v, want the original kept", paths)
	}
}

func TestPass_FilterRefusedMessagesFiledWithoutReply(t *testing.T) {
	f, err := filter.New(filter.Options{ExcludeHeader: []string{`(?m)^Subject: .*newsletter`}})
	if err != nil {
		t.Fatalf("filter.New() error = %v", err)
	}
	backend := &fakeBackend{answer: "ok"}
	m, mailbox := newTestMaintainer(t, backend, f)

	refused := "Date: d\nFrom: me@home\nTo: bot@ai\nSubject: weekly newsletter\n\nhi\n"
	writeSent(t, mailbox, "sent-1", refused)

	if err := m.Pass(context.Background()); err != nil {
		t.Fatalf("Pass() error = %v", err)
	}
	m.Wait()

	assertSentEmpty(t, mailbox)
	files := inbox(t, mailbox)
	if len(files) != 1 || files["sent-1"] != refused {
		t.Errorf("INBOX = %v, want only the filed original", files)
	}
	if s := m.Stats(); s.Refused != 1 || s.Dispatched != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	backend := &fakeBackend{answer: "ok"}
	m, mailbox := newTestMaintainer(t, backend, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	writeSent(t, mailbox, "sent-1", sentMail("bot@ai"))

	deadline := time.Now().Add(5 * time.Second)
	for m.Stats().Relocated == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message was never picked up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	m.Wait()

	if got := replies(t, mailbox, "sent-1"); len(got) != 1 {
		t.Errorf("got %d replies, want 1", len(got))
	}
}

func TestRun_FailedPassKeepsLooping(t *testing.T) {
	m, err := New(maildir.New(filepath.Join(t.TempDir(), "missing")), &fakeBackend{},
		reply.NewComposer("testhost", nil), maildir.NewNamer("testhost", nil), nil,
		Options{PollInterval: time.Millisecond, ErrorBackoff: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for m.Stats().Errors < 2 {
		if time.Now().After(deadline) {
			t.Fatal("loop did not retry after a failed pass")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

package maildir

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, time.March, 1, 12, 0, 0, 123456789, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestInit(t *testing.T) {
	root := filepath.Join(t.TempDir(), "kb")
	m, err := Init(root, "Robbie")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	for _, folder := range Folders {
		for _, sub := range []string{CurDir, NewDir, TmpDir} {
			info, err := os.Stat(m.Dir(folder, sub))
			if err != nil || !info.IsDir() {
				t.Errorf("%s/%s missing: %v", folder, sub, err)
			}
		}
	}

	data, err := os.ReadFile(m.Muttrc())
	if err != nil {
		t.Fatalf("read muttrc: %v", err)
	}
	muttrc := string(data)
	abs, _ := filepath.Abs(root)
	for _, want := range []string{
		`set realname="Robbie"`,
		`set folder="` + abs + `"`,
		`set record="+Sent"`,
		"set mbox_type=Maildir",
		"-printf \"+'%f' \"`",
	} {
		if !strings.Contains(muttrc, want) {
			t.Errorf("muttrc missing %q", want)
		}
	}

	if _, err := Init(root, "Robbie"); err != nil {
		t.Errorf("second Init() error = %v", err)
	}
}

func TestNamer(t *testing.T) {
	n := NewNamer("box", fixedClock)

	first := n.Next()
	want := "1709294400.12345_1.box:2,"
	if first != want {
		t.Errorf("Next() = %q, want %q", first, want)
	}

	second := n.Next()
	if second != "1709294400.12346_1.box:2," {
		t.Errorf("Next() after same instant = %q", second)
	}

	pattern := regexp.MustCompile(`^\d+\.\d{5}_1\.[^:]+:2,$`)
	live := NewNamer("host", nil)
	for i := 0; i < 3; i++ {
		if name := live.Next(); !pattern.MatchString(name) {
			t.Errorf("Next() = %q does not match delivery format", name)
		}
	}
}

func TestDeliver(t *testing.T) {
	m := New(t.TempDir())
	namer := NewNamer("box", fixedClock)

	path, err := m.Deliver(Inbox, []byte("hello"), namer)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if filepath.Dir(path) != m.Dir(Inbox, CurDir) {
		t.Errorf("delivered to %s, want %s", filepath.Dir(path), m.Dir(Inbox, CurDir))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Errorf("delivered content = %q (%v)", data, err)
	}

	tmp, err := os.ReadDir(m.Dir(Inbox, TmpDir))
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(tmp) != 0 {
		t.Errorf("tmp not cleaned up: %d entries", len(tmp))
	}
}

func TestDeliver_AvoidsExistingNames(t *testing.T) {
	m := New(t.TempDir())

	taken := NewNamer("box", fixedClock).Next()
	if err := os.MkdirAll(m.Dir(Inbox, CurDir), 0o700); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(m.Dir(Inbox, CurDir), taken)
	if err := os.WriteFile(existing, []byte("original"), 0o600); err != nil {
		t.Fatal(err)
	}

	path, err := m.Deliver(Inbox, []byte("new"), NewNamer("box", fixedClock))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if path == existing {
		t.Fatal("Deliver() reused an existing name")
	}
	data, _ := os.ReadFile(existing)
	if string(data) != "original" {
		t.Errorf("existing file overwritten with %q", data)
	}
}

func TestDeliver_Concurrent(t *testing.T) {
	m := New(t.TempDir())
	namer := NewNamer("box", fixedClock)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Deliver(Inbox, []byte("x"), namer); err != nil {
				t.Errorf("Deliver() error = %v", err)
			}
		}()
	}
	wg.Wait()

	files, err := m.List(Inbox)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(files) != 20 {
		t.Errorf("List() = %d files, want 20", len(files))
	}
}

func TestListAndRelocate(t *testing.T) {
	m, err := Init(t.TempDir(), "x")
	if err != nil {
		t.Fatal(err)
	}

	sentCur := m.Dir(Sent, CurDir)
	for _, name := range []string{"b", "a"} {
		if err := os.WriteFile(filepath.Join(sentCur, name), []byte(name), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(sentCur, "subdir"), 0o700); err != nil {
		t.Fatal(err)
	}

	files, err := m.List(Sent)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "a" || filepath.Base(files[1]) != "b" {
		t.Fatalf("List() = %q, want [a b]", files)
	}

	dst, err := m.Relocate(files[0], Inbox)
	if err != nil {
		t.Fatalf("Relocate() error = %v", err)
	}
	if dst != filepath.Join(m.Dir(Inbox, CurDir), "a") {
		t.Errorf("Relocate() = %s", dst)
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Errorf("source still present after Relocate: %v", err)
	}

	if _, err := m.Relocate(filepath.Join(sentCur, "missing"), Inbox); err == nil {
		t.Error("Relocate(missing) should fail")
	}
}

func TestRelocate_KeepsExistingFile(t *testing.T) {
	m, err := Init(t.TempDir(), "x")
	if err != nil {
		t.Fatal(err)
	}

	name := "1700000000.00001_1.testhost:2,"
	src := filepath.Join(m.Dir(Sent, CurDir), name)
	existing := filepath.Join(m.Dir(Inbox, CurDir), name)
	if err := os.WriteFile(src, []byte("sent"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(existing, []byte("reply"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = m.Relocate(src, Inbox)
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("Relocate() error = %v, want fs.ErrExist", err)
	}
	if data, _ := os.ReadFile(existing); string(data) != "reply" {
		t.Errorf("existing file = %q, want it untouched", data)
	}
	if data, _ := os.ReadFile(src); string(data) != "sent" {
		t.Errorf("source = %q, want it left in place", data)
	}
}

func TestList_MissingFolder(t *testing.T) {
	if _, err := New(t.TempDir()).List(Sent); err == nil {
		t.Error("List() on a missing folder should fail")
	}
}

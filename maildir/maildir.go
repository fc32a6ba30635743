// Package maildir handles the on-disk mailbox: the fixed folder layout, the
// delivery filename convention and atomic delivery into a folder's cur.
package maildir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	Archive = "Archive"
	Drafts  = "Drafts"
	Inbox   = "INBOX"
	Sent    = "Sent"
	Trash   = "Trash"

	CurDir = "cur"
	NewDir = "new"
	TmpDir = "tmp"
)

// Folders lists every folder Init creates.
var Folders = []string{Archive, Drafts, Inbox, Sent, Trash}

const maxDeliveryAttempts = 16

// Mailbox is a knowledge base rooted at a directory.
type Mailbox struct {
	Root string
}

func New(root string) Mailbox {
	return Mailbox{Root: filepath.Clean(root)}
}

// Dir returns the path of sub (cur, new or tmp) inside folder.
func (m Mailbox) Dir(folder, sub string) string {
	return filepath.Join(m.Root, folder, sub)
}

// List returns the regular files in folder/cur, sorted by name.
func (m Mailbox) List(folder string) ([]string, error) {
	dir := m.Dir(folder, CurDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		} else if !entry.Type().IsRegular() {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// Deliver stores data in folder/cur under a fresh name from namer. The file
// is written to folder/tmp first and then linked into cur, so readers never
// observe a partial message and an existing name is never overwritten.
func (m Mailbox) Deliver(folder string, data []byte, namer *Namer) (string, error) {
	tmpDir, curDir := m.Dir(folder, TmpDir), m.Dir(folder, CurDir)
	for _, dir := range []string{tmpDir, curDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for attempt := 0; attempt < maxDeliveryAttempts; attempt++ {
		name := namer.Next()
		tmp := filepath.Join(tmpDir, name)
		dst := filepath.Join(curDir, name)

		if err := writeExclusive(tmp, data); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", err
		}

		err := os.Link(tmp, dst)
		if err == nil {
			_ = os.Remove(tmp)
			return dst, nil
		}
		if errors.Is(err, fs.ErrExist) {
			_ = os.Remove(tmp)
			continue
		}

		// Filesystems without hard links fall back to a rename, checked
		// against an existing destination first.
		if _, statErr := os.Lstat(dst); statErr == nil {
			_ = os.Remove(tmp)
			continue
		}
		if err := os.Rename(tmp, dst); err != nil {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("deliver %s: %w", dst, err)
		}
		return dst, nil
	}

	return "", fmt.Errorf("deliver to %s: no free name after %d attempts", curDir, maxDeliveryAttempts)
}

// Relocate moves path into folder/cur, keeping its basename. A file already
// holding that name is left alone and the error wraps fs.ErrExist.
func (m Mailbox) Relocate(path, folder string) (string, error) {
	dst := filepath.Join(m.Dir(folder, CurDir), filepath.Base(path))

	err := os.Link(path, dst)
	if err == nil {
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("remove %s after move: %w", path, err)
		}
		return dst, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("move %s to %s: %w", path, dst, fs.ErrExist)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return "", fmt.Errorf("move %s to %s: %w", path, dst, statErr)
	}

	// Filesystems without hard links fall back to a rename.
	if _, statErr := os.Lstat(dst); statErr == nil {
		return "", fmt.Errorf("move %s to %s: %w", path, dst, fs.ErrExist)
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", path, dst, err)
	}
	return dst, nil
}

func writeExclusive(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Namer produces delivery filenames "<seconds>.<5 digits>_1.<host>:2,".
// Names from one Namer are strictly increasing.
type Namer struct {
	hostname string
	now      func() time.Time

	mu   sync.Mutex
	last int64
}

// NewNamer returns a Namer for hostname. A nil clock means time.Now.
func NewNamer(hostname string, now func() time.Time) *Namer {
	if now == nil {
		now = time.Now
	}
	return &Namer{hostname: hostname, now: now}
}

// Next returns the next delivery filename.
func (n *Namer) Next() string {
	n.mu.Lock()
	// Ticks are 10µs, the resolution of five fractional digits.
	tick := n.now().UnixNano() / int64(10*time.Microsecond)
	if tick <= n.last {
		tick = n.last + 1
	}
	n.last = tick
	n.mu.Unlock()

	return fmt.Sprintf("%d.%05d_1.%s:2,", tick/100000, tick%100000, n.hostname)
}

package imap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dhcgn/maildir-ai/maildir"
	"github.com/dhcgn/maildir-ai/model"
	"github.com/dhcgn/maildir-ai/runner"
)

// Source is the pipeline stage feeding the files of one maildir folder.
type Source struct {
	mailbox maildir.Mailbox
	folder  string
	runner  *runner.Runner
	logger  *slog.Logger
}

func NewSource(mailbox maildir.Mailbox, folder string, r *runner.Runner, logger *slog.Logger) *Source {
	s := &Source{mailbox: mailbox, folder: folder, runner: r, logger: logger}
	r.AddStage("maildir", s.run)
	return s
}

func (s *Source) run(ctx context.Context) error {
	defer s.runner.CloseSource()

	paths, err := s.mailbox.List(s.folder)
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("exporting folder", "folder", s.folder, "messages", len(paths))
	}

	for _, path := range paths {
		env := model.Envelope{}
		raw, err := os.ReadFile(path)
		if err != nil {
			env.Err = fmt.Errorf("read %s: %w", path, err)
		} else {
			env.Message = model.FromRaw(raw, path)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.runner.SourceWriter() <- env:
		}
		if env.Err != nil {
			return nil
		}
	}
	return nil
}

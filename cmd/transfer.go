package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/maildir-ai/config"
	"github.com/dhcgn/maildir-ai/filter"
	"github.com/dhcgn/maildir-ai/imap"
	"github.com/dhcgn/maildir-ai/maildir"
	"github.com/dhcgn/maildir-ai/mbox"
	"github.com/dhcgn/maildir-ai/progress"
	"github.com/dhcgn/maildir-ai/runner"
	"github.com/dhcgn/maildir-ai/stats"
)

const (
	importStateDir = ".import"
	exportStateDir = ".export"
)

func newImportCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "import [flags] <knowledge-base> <mbox>",
		Short: "Deliver the messages of an mbox archive into a knowledge base folder",
		Long: `Deliver the messages of an mbox archive into a knowledge base folder.
The default folder is Sent, which queues every imported message for a reply
on the next maintenance pass. Messages already imported are skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			if !slices.Contains(maildir.Folders, cfg.TargetFolder) {
				return fmt.Errorf("invalid --target-folder %q: must be one of %v", cfg.TargetFolder, maildir.Folders)
			}

			f, err := filter.New(cfg.Filter)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			mailbox := maildir.New(args[0])
			mboxPath := args[1]

			r, err := runner.New(runner.Options{
				Name:     "import",
				Stage:    stats.StageImport,
				StateDir: filepath.Join(mailbox.Root, importStateDir),
				Persist:  !cfg.DryRun,
			}, logger)
			if err != nil {
				return fmt.Errorf("runner.New: %w", err)
			}

			total, err := mbox.CountMessages(mboxPath)
			if err != nil {
				return abort(r, fmt.Errorf("count messages: %w", err))
			}
			reporter := progress.NewReporter(r, progress.New("Importing", total, cfg.LogLevel))

			if _, err := mbox.NewProducer(mbox.Options{Path: mboxPath, Filter: f}, r, logger); err != nil {
				return abort(r, fmt.Errorf("mbox.NewProducer: %w", err))
			}
			if _, err := mbox.NewImporter(mailbox, cfg.TargetFolder, maildir.NewNamer(cfg.Hostname, nil), cfg.DryRun, r, logger); err != nil {
				return abort(r, fmt.Errorf("mbox.NewImporter: %w", err))
			}

			logger.Info("starting import", "mbox", mboxPath, "size", humanize.Bytes(totalSize(mboxPath)), "folder", cfg.TargetFolder, "messages", total, "dryRun", cfg.DryRun)
			err = start(cmd, r)
			logger.Info("import finished", reporter.Summary().LogAttrs()...)
			return err
		},
	}
	c.Flags().String("target-folder", maildir.Sent, "Knowledge base folder receiving the messages")
	c.Flags().Bool("dry-run", false, "Parse and filter without delivering")
	config.RegisterFilterFlags(c)
	return c
}

func newExportCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "export [flags] <knowledge-base>",
		Short: "Upload a knowledge base folder to an IMAP mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			if err := cfg.ValidateExport(); err != nil {
				return err
			}
			if !slices.Contains(maildir.Folders, cfg.SourceFolder) {
				return fmt.Errorf("invalid --source-folder %q: must be one of %v", cfg.SourceFolder, maildir.Folders)
			}

			mailbox := maildir.New(args[0])
			paths, err := mailbox.List(cfg.SourceFolder)
			if err != nil {
				return err
			}

			r, err := runner.New(runner.Options{
				Name:     "export",
				Stage:    stats.StageExport,
				StateDir: filepath.Join(mailbox.Root, exportStateDir),
				Persist:  !cfg.DryRun,
			}, logger)
			if err != nil {
				return fmt.Errorf("runner.New: %w", err)
			}
			reporter := progress.NewReporter(r, progress.New("Exporting", len(paths), cfg.LogLevel))

			imap.NewSource(mailbox, cfg.SourceFolder, r, logger)
			uploaderOpts := imap.Options{
				Host:               cfg.IMAPHost,
				Port:               cfg.IMAPPort,
				Username:           cfg.IMAPUser,
				Password:           cfg.IMAPPass,
				UseTLS:             cfg.UseTLS,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
				TargetFolder:       cfg.TargetFolder,
				DryRun:             cfg.DryRun,
			}
			if _, err := imap.NewUploader(uploaderOpts, r, logger); err != nil {
				return abort(r, fmt.Errorf("imap.NewUploader: %w", err))
			}

			logger.Info("starting export", "folder", cfg.SourceFolder, "size", humanize.Bytes(totalSize(paths...)), "target", cfg.TargetFolder, "messages", len(paths), "dryRun", cfg.DryRun)
			err = start(cmd, r)
			logger.Info("export finished", reporter.Summary().LogAttrs()...)
			return err
		},
	}
	config.RegisterExportFlags(c)
	return c
}

// totalSize sums the sizes of the readable files in paths.
func totalSize(paths ...string) uint64 {
	var total uint64
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
	}
	return total
}

// abort cancels a pipeline that never started, waits for its stages and
// closes its journal, then returns err.
func abort(r *runner.Runner, err error) error {
	r.Stop()
	_ = r.Start()
	return err
}

// start runs the pipeline, stopping it when the process is interrupted.
func start(cmd *cobra.Command, r *runner.Runner) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-done:
		}
	}()

	return r.Start()
}

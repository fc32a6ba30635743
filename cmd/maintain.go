package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/maildir-ai/config"
	"github.com/dhcgn/maildir-ai/filter"
	"github.com/dhcgn/maildir-ai/generate"
	"github.com/dhcgn/maildir-ai/maildir"
	"github.com/dhcgn/maildir-ai/maintain"
	"github.com/dhcgn/maildir-ai/reply"
)

func newMaintainCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "maintain [flags] <knowledge-base>",
		Short: "Answer sent mail and file it in INBOX until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			f, err := filter.New(cfg.Filter)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			backend := generate.NewClient(generate.Options{Host: cfg.BackendHost, Timeout: cfg.BackendTimeout})
			m, err := maintain.New(
				maildir.New(args[0]),
				backend,
				reply.NewComposer(cfg.Hostname, nil),
				maildir.NewNamer(cfg.Hostname, nil),
				f,
				maintain.Options{PollInterval: cfg.PollInterval, ErrorBackoff: cfg.ErrorBackoff},
				logger,
			)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logger.Info("starting maintainer", "backend", backend.Host(), "hostname", cfg.Hostname, "filter", cfg.Filter.Active())
			err = m.Run(ctx)

			logger.Info("waiting for in-flight replies")
			m.Wait()
			logger.Info("maintainer stopped", m.Stats().LogAttrs()...)

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	config.RegisterMaintainFlags(c)
	return c
}

func newFormatReplyCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "format-reply <file>...",
		Short: "Print the reply each file would receive, without calling a model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			composer := reply.NewComposer(cfg.Hostname, nil)
			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil || !info.Mode().IsRegular() {
					fmt.Fprintf(cmd.ErrOrStderr(), "not a file: %s\n", path)
					continue
				}
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				formatted, err := composer.Format(cfg.Identity, string(content))
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", formatted)
			}
			return nil
		},
	}
	config.RegisterIdentityFlag(c)
	return c
}

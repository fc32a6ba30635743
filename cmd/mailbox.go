package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/dhcgn/maildir-ai/maildir"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <knowledge-base> <name>",
		Short: "Initialize a new maildir-ai knowledge base",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			mailbox, err := maildir.Init(args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to initialize knowledge base: %w", err)
			}
			logger.Info("knowledge base initialized", "path", mailbox.Root, "muttrc", mailbox.Muttrc())
			return nil
		},
	}
}

// newMailCmd builds "mail" and "run", which both open mutt on the knowledge
// base. "run" first insists that the mutt configuration exists.
func newMailCmd(name string, requireMuttrc bool) *cobra.Command {
	var mutt string
	c := &cobra.Command{
		Use:   name + " <knowledge-base>",
		Short: "Invoke mutt configured to access the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mailbox := maildir.New(args[0])
			if requireMuttrc {
				info, err := os.Stat(mailbox.Muttrc())
				if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
					return fmt.Errorf("knowledge base is missing %s: %s", maildir.MuttrcName, mailbox.Root)
				}
				if err != nil {
					return err
				}
			}

			proc := exec.CommandContext(cmd.Context(), mutt, "-F", mailbox.Muttrc())
			proc.Stdin = cmd.InOrStdin()
			proc.Stdout = cmd.OutOrStdout()
			proc.Stderr = cmd.ErrOrStderr()
			if err := proc.Run(); err != nil {
				return fmt.Errorf("%s: %w", mutt, err)
			}
			return nil
		},
	}
	c.Flags().StringVar(&mutt, "mutt", "mutt", "Mail client binary")
	return c
}

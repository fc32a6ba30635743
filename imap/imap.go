// Package imap exports maildir messages to an IMAP mailbox.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/maildir-ai/model"
	"github.com/dhcgn/maildir-ai/runner"
	"github.com/dhcgn/maildir-ai/state"
	"github.com/dhcgn/maildir-ai/stats"
)

var ErrMissingHash = errors.New("message hash is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Appender stores one message in a mailbox. The IMAP connection implements
// it; tests substitute their own.
type Appender interface {
	Append(ctx context.Context, mailbox string, msg model.Message) error
	Close() error
}

// Dialer opens an Appender on first use.
type Dialer func(ctx context.Context, opts Options, logger *slog.Logger) (Appender, error)

type Uploader struct {
	opts    Options
	runner  *runner.Runner
	tracker state.Tracker
	dial    Dialer
	logger  *slog.Logger
}

func NewUploader(opts Options, r *runner.Runner, logger *slog.Logger) (*Uploader, error) {
	return newUploader(opts, r, Dial, logger)
}

func newUploader(opts Options, r *runner.Runner, dial Dialer, logger *slog.Logger) (*Uploader, error) {
	if !opts.DryRun {
		if opts.Host == "" {
			return nil, fmt.Errorf("imap host is empty")
		}
		if opts.Port <= 0 {
			return nil, fmt.Errorf("imap port must be positive")
		}
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	uploader := &Uploader{
		opts:    opts,
		runner:  r,
		tracker: tracker,
		dial:    dial,
		logger:  logger,
	}
	r.AddStage("imap", uploader.run)
	return uploader, nil
}

func (u *Uploader) run(ctx context.Context) error {
	var client Appender
	defer func() {
		if client != nil {
			if err := client.Close(); err != nil && u.logger != nil {
				u.logger.Debug("imap connection closed", "err", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-u.runner.Pending():
			if !ok {
				return nil
			}
			if msg.Hash == "" {
				err := fmt.Errorf("message %s: %w", msg.ID, ErrMissingHash)
				u.runner.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return err
			}

			rec := state.Record{Hash: msg.Hash, MessageID: msg.ID, Destination: u.targetFolder()}

			if u.opts.DryRun {
				if err := u.tracker.MarkProcessed(rec); err != nil {
					u.runner.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
					return err
				}
				u.runner.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeDryRunUpload, MessageID: msg.ID})
				if u.logger != nil {
					u.logger.Debug("dry-run upload", "messageID", msg.ID, "target", u.targetFolder(), "origin", msg.Origin)
				}
				continue
			}

			if client == nil {
				var err error
				client, err = u.dial(ctx, u.opts, u.logger)
				if err != nil {
					u.runner.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
					return err
				}
			}

			if err := client.Append(ctx, u.targetFolder(), msg); err != nil {
				err = fmt.Errorf("upload message %s: %w", msg.ID, err)
				u.runner.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return err
			}

			if err := u.tracker.MarkProcessed(rec); err != nil {
				u.runner.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				return err
			}

			u.runner.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeUploaded, MessageID: msg.ID})
			if u.logger != nil {
				u.logger.Debug("uploaded message", "messageID", msg.ID, "target", u.targetFolder(), "origin", msg.Origin)
			}
		}
	}
}

func (u *Uploader) targetFolder() string {
	return targetFolder(u.opts)
}

func targetFolder(opts Options) string {
	if opts.TargetFolder == "" {
		return "INBOX"
	}
	return opts.TargetFolder
}

// conn is an authenticated IMAP session.
type conn struct {
	client    *imapclient.Client
	logger    *slog.Logger
	stopClose func() bool
	ctx       context.Context
}

// Dial connects, logs in and makes sure the target folder exists.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (Appender, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := ensureMailbox(client, targetFolder(opts), logger); err != nil {
		_ = client.Close()
		return nil, err
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "target", targetFolder(opts), "tls", opts.UseTLS)
	}

	c := &conn{client: client, logger: logger, ctx: ctx}
	c.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return c, nil
}

func (c *conn) Append(_ context.Context, mailbox string, msg model.Message) error {
	size := int64(len(msg.Raw))

	var opts *imapv2.AppendOptions
	if !msg.ReceivedAt.IsZero() {
		opts = &imapv2.AppendOptions{Time: msg.ReceivedAt}
	}

	cmd := c.client.Append(mailbox, size, opts)

	remaining := msg.Raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (c *conn) Close() error {
	c.stopClose()
	if c.ctx.Err() == nil {
		if err := c.client.Logout().Wait(); err != nil && c.logger != nil {
			c.logger.Warn("imap logout failed", "err", err)
		}
	}
	return c.client.Close()
}

func ensureMailbox(client *imapclient.Client, target string, logger *slog.Logger) error {
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if logger != nil {
					logger.Debug("imap mailbox already exists", "mailbox", target)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if logger != nil {
		logger.Info("imap mailbox created", "mailbox", target)
	}

	return nil
}

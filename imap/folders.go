package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// Folder is a selectable mailbox on the server.
type Folder struct {
	Name        string
	Delim       rune
	Messages    uint32
	UIDValidity uint32
}

// ListFolders returns every selectable folder with its message count.
func ListFolders(ctx context.Context, opts Options, logger *slog.Logger) ([]Folder, error) {
	client, cleanup, err := dialClient(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	folders := make([]Folder, 0, len(mailboxes))
	for _, mb := range mailboxes {
		if slices.Contains(mb.Attrs, imapv2.MailboxAttrNoSelect) || slices.Contains(mb.Attrs, imapv2.MailboxAttrNonExistent) {
			continue
		}
		folder := Folder{Name: mb.Mailbox, Delim: mb.Delim}

		status, err := client.Status(mb.Mailbox, &imapv2.StatusOptions{NumMessages: true, UIDValidity: true}).Wait()
		if err != nil {
			if logger != nil {
				logger.Warn("folder status failed", "folder", mb.Mailbox, "err", err)
			}
		} else {
			if status.NumMessages != nil {
				folder.Messages = *status.NumMessages
			}
			folder.UIDValidity = status.UIDValidity
		}
		folders = append(folders, folder)
	}

	slices.SortFunc(folders, func(a, b Folder) int {
		return strings.Compare(a.Name, b.Name)
	})
	return folders, nil
}

func dialClient(ctx context.Context, opts Options, logger *slog.Logger) (*imapclient.Client, func(), error) {
	address := opts.address()
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if strings.EqualFold(opts.Auth, "plain") {
		err = client.Authenticate(sasl.NewPlainClient("", opts.Username, opts.Password))
	} else {
		err = client.Login(opts.Username, opts.Password).Wait()
	}
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && logger != nil {
				logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && logger != nil {
			logger.Debug("imap connection closed", "err", err)
		}
	}
	return client, cleanup, nil
}

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/credential"
)

func newCredentialCmd() (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "credential",
		Short: "Manage the IMAP password stored in the OS keyring",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store the password for --imap-user at --imap-host, read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := credentialKey(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", key)
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := credential.Set(key, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored password for %s\n", key)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored password for --imap-user at --imap-host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := credentialKey(cmd)
			if err != nil {
				return err
			}
			if err := credential.Delete(key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed password for %s\n", key)
			return nil
		},
	}

	c.AddCommand(set, del)
	return c, nil
}

func credentialKey(cmd *cobra.Command) (string, error) {
	cfg, err := config.LoadLocal(cmd)
	if err != nil {
		return "", err
	}
	if cfg.IMAPUser == "" || cfg.IMAPHost == "" {
		return "", fmt.Errorf("--imap-user and --imap-host are required")
	}
	return credential.Key(cfg.IMAPUser, cfg.IMAPHost), nil
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", fmt.Errorf("empty password")
	}
	return secret, nil
}

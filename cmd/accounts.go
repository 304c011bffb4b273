package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mailflow/internal/mailbox"
	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/store"
	"github.com/sells-group/mailflow/pkg/gmail"
	"github.com/sells-group/mailflow/pkg/imapmail"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage monitored mailbox accounts",
}

// -- accounts add --

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a Gmail or IMAP mailbox",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		account, err := accountFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.CreateAccount(ctx, account); err != nil {
			return eris.Wrap(err, "accounts add")
		}

		if verify, _ := cmd.Flags().GetBool("verify"); verify {
			if err := verifyAccount(ctx, env.Mailboxes, env.Store, account); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "added %s account %s (%s)\n", account.Provider, account.Address, account.ID)
		return nil
	},
}

// accountFromFlags builds an Account and its provider credentials.
func accountFromFlags(cmd *cobra.Command) (*model.Account, error) {
	f := cmd.Flags()
	provider, _ := f.GetString("provider")
	address, _ := f.GetString("address")
	if address == "" {
		return nil, eris.New("--address is required")
	}

	var creds any
	switch provider {
	case model.ProviderGmail:
		token, _ := f.GetString("refresh-token")
		clientID, _ := f.GetString("client-id")
		clientSecret, _ := f.GetString("client-secret")
		if token == "" {
			return nil, eris.New("--refresh-token is required for gmail")
		}
		creds = gmail.Credentials{ClientID: clientID, ClientSecret: clientSecret, RefreshToken: token}
	case model.ProviderIMAP:
		addr, _ := f.GetString("imap-addr")
		username, _ := f.GetString("username")
		password, _ := f.GetString("password")
		mbox, _ := f.GetString("mailbox")
		insecure, _ := f.GetBool("insecure")
		if username == "" {
			username = address
		}
		c := imapmail.Config{Addr: addr, Username: username, Password: password, Mailbox: mbox, Insecure: insecure}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		creds = c
	default:
		return nil, eris.Errorf("unknown provider %q (want %s or %s)", provider, model.ProviderGmail, model.ProviderIMAP)
	}

	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, eris.Wrap(err, "encode credentials")
	}
	return &model.Account{
		Provider:    provider,
		Address:     strings.ToLower(address),
		Credentials: raw,
		Connected:   true,
	}, nil
}

// verifyAccount checks the account's credentials against its provider. An
// account that fails is left disconnected.
func verifyAccount(ctx context.Context, reg *mailbox.Registry, st store.Store, account *model.Account) error {
	reg.Forget(account.ID)
	mb, err := reg.For(ctx, account)
	if err == nil {
		err = mb.ValidateCredentials(ctx)
	}
	if err != nil {
		reg.Forget(account.ID)
		if serr := st.SetAccountConnected(ctx, account.ID, false); serr != nil {
			return eris.Wrap(serr, "disconnect account after failed verification")
		}
		return eris.Wrapf(err, "verify %s", account.Address)
	}
	return nil
}

// -- accounts list --

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		connected, _ := cmd.Flags().GetBool("connected")
		accounts, err := st.ListAccounts(ctx, connected)
		if err != nil {
			return eris.Wrap(err, "accounts list")
		}
		if len(accounts) == 0 {
			fmt.Fprintln(os.Stderr, "No accounts found.")
			return nil
		}
		formatAccountsList(cmd.OutOrStdout(), accounts)
		return nil
	},
}

func formatAccountsList(out io.Writer, accounts []model.Account) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tADDRESS\tCONNECTED\tCURSOR\tLAST_CHECKED")
	_, _ = fmt.Fprintln(w, "--\t--------\t-------\t---------\t------\t------------")

	for _, a := range accounts {
		checked := "never"
		if a.LastCheckedAt != nil {
			checked = a.LastCheckedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			a.ID, a.Provider, a.Address, a.Connected, a.Cursor(), checked)
	}
	_ = w.Flush()
}

// -- accounts connect / disconnect --

var accountsConnectCmd = &cobra.Command{
	Use:   "connect <account-id>",
	Short: "Mark an account connected after verifying its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		account, err := env.Store.GetAccount(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "accounts connect")
		}
		if skip, _ := cmd.Flags().GetBool("skip-verify"); !skip {
			if err := verifyAccount(ctx, env.Mailboxes, env.Store, account); err != nil {
				return err
			}
		}
		if err := env.Store.SetAccountConnected(ctx, account.ID, true); err != nil {
			return eris.Wrap(err, "accounts connect")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "connected %s\n", account.Address)
		return nil
	},
}

var accountsDisconnectCmd = &cobra.Command{
	Use:   "disconnect <account-id>",
	Short: "Stop monitoring an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SetAccountConnected(ctx, args[0], false); err != nil {
			return eris.Wrap(err, "accounts disconnect")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", args[0])
		return nil
	},
}

func init() {
	f := accountsAddCmd.Flags()
	f.String("provider", model.ProviderGmail, "mailbox provider: gmail or imap")
	f.String("address", "", "mailbox email address")
	f.String("refresh-token", "", "gmail OAuth refresh token")
	f.String("client-id", "", "gmail OAuth client id (default from config)")
	f.String("client-secret", "", "gmail OAuth client secret (default from config)")
	f.String("imap-addr", "", "imap server host:port")
	f.String("username", "", "imap username (default: address)")
	f.String("password", "", "imap password")
	f.String("mailbox", "INBOX", "imap mailbox to watch")
	f.Bool("insecure", false, "dial imap without TLS")
	f.Bool("verify", true, "check credentials before enabling the account")

	accountsListCmd.Flags().Bool("connected", false, "only connected accounts")
	accountsConnectCmd.Flags().Bool("skip-verify", false, "connect without checking credentials")

	accountsCmd.AddCommand(accountsAddCmd, accountsListCmd, accountsConnectCmd, accountsDisconnectCmd)
	rootCmd.AddCommand(accountsCmd)
}

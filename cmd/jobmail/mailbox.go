package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/source"
)

var (
	providerFlag      string
	addressFlag       string
	hostFlag          string
	portFlag          int
	noTLSFlag         bool
	passwordStdinFlag bool
	senderFlags       []string
	subjectFlags      []string
)

func addMailboxFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&providerFlag, "provider", "gmail", "Mail provider: gmail, outlook, icloud, yahoo, custom or pop3")
	cmd.Flags().StringVar(&addressFlag, "address", "", "Mailbox address (required)")
	cmd.Flags().StringVar(&hostFlag, "host", "", "Server host for custom and pop3 providers")
	cmd.Flags().IntVar(&portFlag, "port", 0, "Server port; defaults by protocol")
	cmd.Flags().BoolVar(&noTLSFlag, "no-tls", false, "Use STARTTLS/plain instead of implicit TLS")
	cmd.Flags().BoolVar(&passwordStdinFlag, "password-stdin", false, "Read the password from stdin instead of JOBMAIL_PASSWORD")
	_ = cmd.MarkFlagRequired("address")
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Check that a mailbox accepts the given credentials",
	RunE:  runTestConnection,
}

var configureCmd = &cobra.Command{
	Use:   "configure <user-id>",
	Short: "Validate and save a user's mailbox",
	Long: `Configure checks the credentials against the mail server, stores the
password in the system keyring and saves the mailbox with its filters.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigure,
}

func init() {
	addMailboxFlags(testConnectionCmd)
	addMailboxFlags(configureCmd)
	configureCmd.Flags().StringSliceVar(&senderFlags, "sender", nil, "Sender pattern; * matches any run of characters (repeatable)")
	configureCmd.Flags().StringSliceVar(&subjectFlags, "subject", nil, "Subject pattern; * matches any run of characters (repeatable)")
}

func credentialFromFlags(userID string) (model.MailboxCredential, error) {
	return model.ResolveProvider(model.MailboxCredential{
		UserID:   userID,
		Provider: model.Provider(providerFlag),
		Address:  addressFlag,
		Host:     hostFlag,
		Port:     portFlag,
		UseTLS:   !noTLSFlag,
		Active:   true,
	})
}

func readPassword() (string, error) {
	if !passwordStdinFlag {
		pw := os.Getenv("JOBMAIL_PASSWORD")
		if pw == "" {
			return "", fmt.Errorf("set JOBMAIL_PASSWORD or pass --password-stdin")
		}
		return pw, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runTestConnection(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	cred, err := credentialFromFlags("")
	if err != nil {
		return err
	}
	password, err := readPassword()
	if err != nil {
		return err
	}

	if err := a.dialer.TestConnection(cmd.Context(), cred, password); err != nil {
		a.logger.Debug("test connection failed", "kind", source.Classify(err), "error", err)
		return fmt.Errorf("%s: %s", cred.Address, source.UserMessage(err))
	}
	fmt.Printf("%s: connection ok\n", cred)
	return nil
}

func runConfigure(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	userID := args[0]
	cred, err := credentialFromFlags(userID)
	if err != nil {
		return err
	}
	password, err := readPassword()
	if err != nil {
		return err
	}

	if err := a.dialer.TestConnection(cmd.Context(), cred, password); err != nil {
		return fmt.Errorf("%s: %s", cred.Address, source.UserMessage(err))
	}

	key, err := a.keys.Store(userID, password)
	if err != nil {
		return err
	}
	cred.Secret = key

	filters := model.FilterSet{SenderPatterns: senderFlags, SubjectPatterns: subjectFlags}
	if err := a.store.SaveMailbox(cmd.Context(), cred, filters); err != nil {
		if delErr := a.keys.Delete(key); delErr != nil {
			a.logger.Warn("removing orphaned secret", "error", delErr)
		}
		return err
	}

	a.logger.Info("mailbox saved", "user_id", userID, "address", cred.Address)
	fmt.Printf("%s: saved %s\n", userID, cred)
	return nil
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies the mail service a credential belongs to.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderICloud  Provider = "icloud"
	ProviderYahoo   Provider = "yahoo"
	ProviderCustom  Provider = "custom"
	ProviderPOP3    Provider = "pop3"
)

// Protocol is the retrieval protocol spoken to the mail server.
type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolPOP3 Protocol = "pop3"
)

// MailboxCredential holds everything needed to open a session against a
// user's mailbox. Secret is an opaque reference; it is resolved to a
// plaintext password by a credential collaborator and never logged.
type MailboxCredential struct {
	// UserID owns this mailbox. One mailbox per user.
	UserID string `json:"user_id" db:"user_id"`

	Provider Provider `json:"provider" db:"provider"`
	Address  string   `json:"address" db:"address"`
	Host     string   `json:"host" db:"host"`
	Port     int      `json:"port" db:"port"`
	UseTLS   bool     `json:"use_tls" db:"use_tls"`

	// Secret is the encrypted-at-rest password reference.
	Secret string `json:"-" db:"secret"`

	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Protocol reports which retrieval protocol the credential uses.
func (c MailboxCredential) Protocol() Protocol {
	if c.Provider == ProviderPOP3 {
		return ProtocolPOP3
	}
	return ProtocolIMAP
}

// Addr returns host:port for dialing.
func (c MailboxCredential) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String renders the credential without its secret.
func (c MailboxCredential) String() string {
	return fmt.Sprintf("%s (%s via %s)", c.Address, c.Provider, c.Addr())
}

type providerPreset struct {
	host   string
	port   int
	useTLS bool
}

var providerPresets = map[Provider]providerPreset{
	ProviderGmail:   {host: "imap.gmail.com", port: 993, useTLS: true},
	ProviderOutlook: {host: "outlook.office365.com", port: 993, useTLS: true},
	ProviderICloud:  {host: "imap.mail.me.com", port: 993, useTLS: true},
	ProviderYahoo:   {host: "imap.mail.yahoo.com", port: 993, useTLS: true},
}

// ResolveProvider fills in connection parameters for a provider. Known
// providers use fixed presets; "custom" and "pop3" keep the supplied
// host and fill a default port when none is set.
func ResolveProvider(cred MailboxCredential) (MailboxCredential, error) {
	cred.Provider = Provider(strings.ToLower(strings.TrimSpace(string(cred.Provider))))
	cred.Address = strings.TrimSpace(cred.Address)

	if preset, ok := providerPresets[cred.Provider]; ok {
		cred.Host = preset.host
		cred.Port = preset.port
		cred.UseTLS = preset.useTLS
		return cred, nil
	}

	switch cred.Provider {
	case ProviderCustom, ProviderPOP3:
		if cred.Host == "" {
			return cred, fmt.Errorf("provider %s requires a host", cred.Provider)
		}
		if cred.Port == 0 {
			cred.Port = defaultPort(cred.Protocol(), cred.UseTLS)
		}
		return cred, nil
	default:
		return cred, fmt.Errorf("unsupported email provider: %s", cred.Provider)
	}
}

func defaultPort(p Protocol, useTLS bool) int {
	switch {
	case p == ProtocolPOP3 && useTLS:
		return 995
	case p == ProtocolPOP3:
		return 110
	case useTLS:
		return 993
	default:
		return 143
	}
}

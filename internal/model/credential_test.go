package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProviderPresets(t *testing.T) {
	cases := []struct {
		provider Provider
		host     string
	}{
		{ProviderGmail, "imap.gmail.com"},
		{ProviderOutlook, "outlook.office365.com"},
		{ProviderICloud, "imap.mail.me.com"},
		{ProviderYahoo, "imap.mail.yahoo.com"},
	}
	for _, tc := range cases {
		t.Run(string(tc.provider), func(t *testing.T) {
			cred, err := ResolveProvider(MailboxCredential{Provider: tc.provider, Host: "ignored", Port: 1})
			require.NoError(t, err)
			assert.Equal(t, tc.host, cred.Host)
			assert.Equal(t, 993, cred.Port)
			assert.True(t, cred.UseTLS)
			assert.Equal(t, ProtocolIMAP, cred.Protocol())
		})
	}
}

func TestResolveProviderCustom(t *testing.T) {
	cred, err := ResolveProvider(MailboxCredential{Provider: " Custom ", Host: "mail.example.com", Address: " me@example.com "})
	require.NoError(t, err)
	assert.Equal(t, ProviderCustom, cred.Provider)
	assert.Equal(t, "me@example.com", cred.Address)
	assert.Equal(t, 143, cred.Port)

	cred, err = ResolveProvider(MailboxCredential{Provider: ProviderCustom, Host: "mail.example.com", Port: 1143, UseTLS: true})
	require.NoError(t, err)
	assert.Equal(t, 1143, cred.Port)

	_, err = ResolveProvider(MailboxCredential{Provider: ProviderCustom})
	assert.Error(t, err)
}

func TestResolveProviderPOP3(t *testing.T) {
	cred, err := ResolveProvider(MailboxCredential{Provider: ProviderPOP3, Host: "pop.example.com", UseTLS: true})
	require.NoError(t, err)
	assert.Equal(t, 995, cred.Port)
	assert.Equal(t, ProtocolPOP3, cred.Protocol())

	cred, err = ResolveProvider(MailboxCredential{Provider: ProviderPOP3, Host: "pop.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 110, cred.Port)
}

func TestResolveProviderUnknown(t *testing.T) {
	_, err := ResolveProvider(MailboxCredential{Provider: "aol"})
	assert.ErrorContains(t, err, "unsupported email provider")
}

func TestCredentialStringOmitsSecret(t *testing.T) {
	cred := MailboxCredential{Address: "me@example.com", Provider: ProviderGmail, Host: "imap.gmail.com", Port: 993, Secret: "hunter2"}
	assert.NotContains(t, cred.String(), "hunter2")
	assert.Equal(t, "imap.gmail.com:993", cred.Addr())
}

func TestParsePlatform(t *testing.T) {
	assert.Equal(t, PlatformLinkedIn, ParsePlatform("LinkedIn"))
	assert.Equal(t, PlatformOther, ParsePlatform("monster"))
	assert.True(t, ExtractedJob{Title: "Engineer", Company: "Acme"}.Valid())
	assert.False(t, ExtractedJob{Title: "Engineer", Company: "  "}.Valid())
}

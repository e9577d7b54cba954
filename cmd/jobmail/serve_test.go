package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/schedule"
)

type stubRunner map[string]model.IngestResult

func (s stubRunner) RunAll(context.Context) (map[string]model.IngestResult, error) {
	return s, nil
}

func TestStatusHandler(t *testing.T) {
	sched := schedule.New(stubRunner{
		"u1": {Imported: 3, Skipped: 1},
	}, schedule.WithLogger(log.New(io.Discard)))
	require.True(t, sched.RunNow(context.Background()))

	rec := httptest.NewRecorder()
	statusHandler(sched).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Passes    int          `json:"passes"`
		Mailboxes []statusView `json:"mailboxes"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Passes)
	require.Len(t, body.Mailboxes, 1)
	assert.Equal(t, "u1", body.Mailboxes[0].UserID)
	assert.Equal(t, "idle", body.Mailboxes[0].State)
	assert.Equal(t, "ok", body.Mailboxes[0].Outcome)
	assert.Equal(t, 3, body.Mailboxes[0].Imported)
}

func TestCredentialFromFlags(t *testing.T) {
	providerFlag, addressFlag, hostFlag, portFlag, noTLSFlag = "pop3", "me@example.com", "pop.example.com", 0, false
	t.Cleanup(func() { providerFlag, addressFlag, hostFlag = "gmail", "", "" })

	cred, err := credentialFromFlags("u1")
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolPOP3, cred.Protocol())
	assert.Equal(t, 995, cred.Port)
	assert.True(t, cred.Active)

	providerFlag = "aol"
	_, err = credentialFromFlags("u1")
	assert.Error(t, err)
}

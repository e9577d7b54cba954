package testutil

import (
	"context"
	"testing"

	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedMailbox stores an active Gmail mailbox for userID and returns it.
func SeedMailbox(t *testing.T, s store.Store, userID string, filters model.FilterSet) model.MailboxCredential {
	t.Helper()

	cred, err := model.ResolveProvider(model.MailboxCredential{
		UserID:   userID,
		Provider: model.ProviderGmail,
		Address:  userID + "@example.com",
		Secret:   "jobmail/" + userID,
		Active:   true,
	})
	if err != nil {
		t.Fatalf("resolving provider: %v", err)
	}
	if err := s.SaveMailbox(context.Background(), cred, filters); err != nil {
		t.Fatalf("seeding mailbox %s: %v", userID, err)
	}
	return cred
}

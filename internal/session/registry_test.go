package session_test

import (
	"testing"
	"time"

	"github.com/utopia-mdl/issuing-server/internal/session"
)

func TestStartAssignsUniqueHexIDs(t *testing.T) {
	reg := session.NewRegistry(0)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sess, err := reg.Start(session.FlowProvisioning, nil)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if len(sess.ID) != 16 {
			t.Fatalf("expected a 16 character hex id, got %q", sess.ID)
		}
		if seen[sess.ID] {
			t.Fatalf("duplicate session id %q", sess.ID)
		}
		seen[sess.ID] = true
	}
}

func TestLookupReturnsState(t *testing.T) {
	reg := session.NewRegistry(0)
	sess, err := reg.Start(session.FlowCertifyAuthKeys, "some-state")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	found, err := reg.Lookup(sess.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found.State.(string) != "some-state" {
		t.Fatalf("expected state to round-trip, got %v", found.State)
	}
	if found.Flow != session.FlowCertifyAuthKeys {
		t.Fatalf("expected flow to round-trip")
	}
}

func TestLookupMissingSessionFails(t *testing.T) {
	reg := session.NewRegistry(0)
	if _, err := reg.Lookup("0123456789abcdef"); err != session.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEndRemovesSession(t *testing.T) {
	reg := session.NewRegistry(0)
	sess, err := reg.Start(session.FlowUpdateCredential, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	reg.End(sess.ID)
	if _, err := reg.Lookup(sess.ID); err != session.ErrNotFound {
		t.Fatalf("expected ended session to be gone, got %v", err)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	reg := session.NewRegistry(10 * time.Millisecond)
	sess, err := reg.Start(session.FlowDeleteCredential, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	reg.Sweep()
	if _, err := reg.Lookup(sess.ID); err != session.ErrNotFound {
		t.Fatalf("expected idle session to be swept, got %v", err)
	}
}

func TestSweepSparesRecentlyActiveSessions(t *testing.T) {
	reg := session.NewRegistry(50 * time.Millisecond)
	sess, err := reg.Start(session.FlowDeleteCredential, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	reg.Sweep()
	if _, err := reg.Lookup(sess.ID); err != nil {
		t.Fatalf("expected a freshly started session to survive a sweep, got %v", err)
	}
}

func TestSweepIsNoOpWithZeroTTL(t *testing.T) {
	reg := session.NewRegistry(0)
	sess, err := reg.Start(session.FlowProvisioning, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	reg.Sweep()
	if _, err := reg.Lookup(sess.ID); err != nil {
		t.Fatalf("expected Sweep to be a no-op when idleTTL is zero, got %v", err)
	}
}

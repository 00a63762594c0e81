package streammap

import (
	"testing"
	"time"
)

func TestAddEntAllocatesNonzeroUniqueIDs(t *testing.T) {
	m := New()
	ids := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		e, err := m.AddEnt(AcceptAny)
		if err != nil {
			t.Fatalf("AddEnt: %v", err)
		}
		if e.ID == 0 {
			t.Fatal("stream ID should never be 0")
		}
		if ids[e.ID] {
			t.Fatalf("duplicate stream ID: %d", e.ID)
		}
		ids[e.ID] = true
	}
}

func TestAddEntWithIDRejectsCollision(t *testing.T) {
	m := New()
	if _, err := m.AddEntWithID(7, AcceptAny); err != nil {
		t.Fatalf("first AddEntWithID: %v", err)
	}
	if _, err := m.AddEntWithID(7, AcceptAny); err == nil {
		t.Fatal("expected collision error on reused stream identifier")
	}
}

func TestAddEntWithIDRejectsZero(t *testing.T) {
	m := New()
	if _, err := m.AddEntWithID(0, AcceptAny); err == nil {
		t.Fatal("expected error for stream identifier 0")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := New()
	e, err := m.AddEnt(AcceptAny)
	if err != nil {
		t.Fatalf("AddEnt: %v", err)
	}
	m.Remove(e.ID)
	if _, ok := m.Get(e.ID); ok {
		t.Fatal("entry should be gone after Remove")
	}
	m.Remove(e.ID) // must not panic
}

func TestBeginHalfStreamArmsExpiryAndChecker(t *testing.T) {
	m := New()
	e, err := m.AddEnt(AcceptAny)
	if err != nil {
		t.Fatalf("AddEnt: %v", err)
	}
	checker := HalfStreamCommandChecker(2, 3)
	if err := m.BeginHalfStream(e.ID, 10*time.Millisecond, checker, nil); err != nil {
		t.Fatalf("BeginHalfStream: %v", err)
	}
	got, _ := m.Get(e.ID)
	if got.State != EndSent {
		t.Fatalf("state = %v, want EndSent", got.State)
	}
	if got.ExpiryTimer == nil {
		t.Fatal("expected expiry timer to be armed")
	}
	select {
	case <-got.ExpiryTimer.C:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expiry timer did not fire")
	}
}

func TestHalfStreamCommandCheckerAcceptsDataAndEndRejectsRest(t *testing.T) {
	checker := HalfStreamCommandChecker(2, 3)
	if err := checker(2); err != nil {
		t.Fatalf("DATA should be accepted on a half stream: %v", err)
	}
	if err := checker(3); err != nil {
		t.Fatalf("END should be accepted on a half stream: %v", err)
	}
	if err := checker(14); err == nil {
		t.Fatal("EXTEND2 on a half stream must be rejected")
	}
}

func TestNoteDropIncrements(t *testing.T) {
	e := &Entry{}
	if got := e.NoteDrop(); got != 1 {
		t.Fatalf("NoteDrop = %d, want 1", got)
	}
	if got := e.NoteDrop(); got != 2 {
		t.Fatalf("NoteDrop = %d, want 2", got)
	}
}

func TestHalfStreamExpiryUsesMaxOfRTTAndBuildTimeout(t *testing.T) {
	got := HalfStreamExpiry(50*time.Millisecond, 1*time.Second, 1)
	if got != 2*time.Second {
		t.Fatalf("expiry = %v, want 2s (build timeout dominates)", got)
	}
	got = HalfStreamExpiry(5*time.Second, 1*time.Second, 1)
	if got != 5*time.Second {
		t.Fatalf("expiry = %v, want 5s (RTT dominates)", got)
	}
}

func TestHalfStreamExpiryAppliesLengthFactor(t *testing.T) {
	got := HalfStreamExpiry(1*time.Second, 1*time.Second, 2)
	if got != 4*time.Second {
		t.Fatalf("expiry = %v, want 4s with length factor 2", got)
	}
}

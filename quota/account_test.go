package quota

import (
	"context"
	"testing"
	"time"
)

func TestTryReserveFailsSynchronouslyWhenExhausted(t *testing.T) {
	a := NewAccount("root", 100)
	if err := a.TryReserve(60); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := a.TryReserve(60); err == nil {
		t.Fatal("over-budget reserve succeeded")
	}
	a.Release(60)
	if err := a.TryReserve(100); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestChildReservationsCountAgainstParent(t *testing.T) {
	parent := NewAccount("tunnel", 100)
	c1 := parent.Child("stream-1", 100)
	c2 := parent.Child("stream-2", 100)

	if err := c1.TryReserve(70); err != nil {
		t.Fatalf("child 1 reserve: %v", err)
	}
	// Child 2 has its own headroom but the parent is nearly spent.
	if err := c2.TryReserve(50); err == nil {
		t.Fatal("aggregate reservation exceeded the parent budget")
	}
	if err := c2.TryReserve(30); err != nil {
		t.Fatalf("child 2 within aggregate budget: %v", err)
	}

	c1.Release(70)
	if err := c2.TryReserve(70); err != nil {
		t.Fatalf("reserve after sibling release: %v", err)
	}
}

func TestFailedChildReserveRollsBack(t *testing.T) {
	parent := NewAccount("tunnel", 100)
	child := parent.Child("stream", 10)

	// The child cap rejects this before the parent is touched.
	if err := child.TryReserve(50); err == nil {
		t.Fatal("child over-cap reserve succeeded")
	}
	// The parent's full budget must still be available.
	if err := parent.TryReserve(100); err != nil {
		t.Fatalf("parent budget leaked by failed child reserve: %v", err)
	}
}

func TestReserveBlocksUntilRelease(t *testing.T) {
	a := NewAccount("root", 10)
	if err := a.TryReserve(10); err != nil {
		t.Fatalf("fill: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- a.Reserve(ctx, 5)
	}()

	time.Sleep(10 * time.Millisecond)
	a.Release(5)
	if err := <-done; err != nil {
		t.Fatalf("blocked Reserve never completed: %v", err)
	}
}

func TestReserveHonorsContext(t *testing.T) {
	a := NewAccount("root", 1)
	if err := a.TryReserve(1); err != nil {
		t.Fatalf("fill: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Reserve(ctx, 1); err == nil {
		t.Fatal("Reserve returned without capacity or cancellation")
	}
}

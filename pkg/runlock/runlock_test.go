package runlock

import (
	"context"
	"errors"
	"testing"
)

func TestMemLockerSerializesPerTool(t *testing.T) {
	locker := NewMemLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "tool-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := locker.Acquire(ctx, "tool-1"); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight, got %v", err)
	}

	// Another tool is unaffected.
	other, err := locker.Acquire(ctx, "tool-2")
	if err != nil {
		t.Fatalf("acquire other tool: %v", err)
	}
	other()

	release()
	again, err := locker.Acquire(ctx, "tool-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestMemLockerReleaseIsIdempotent(t *testing.T) {
	locker := NewMemLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "tool-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	held, err := locker.Acquire(ctx, "tool-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// A stale double release must not free the new holder's lock.
	release()
	if _, err := locker.Acquire(ctx, "tool-1"); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight, got %v", err)
	}
	held()
}

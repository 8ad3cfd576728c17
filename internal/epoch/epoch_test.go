package epoch

import "testing"

func TestCounter_StartsAtZero(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	if got := c.Current(); got != 0 {
		t.Fatalf("Current = %d, want 0", got)
	}
	select {
	case <-c.Watch(0):
		t.Fatalf("epoch 0 reported ended before any bump")
	default:
	}
}

func TestBump_ClosesCurrentEpoch(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	done := c.Watch(0)

	if got := c.Bump(); got != 1 {
		t.Fatalf("Bump = %d, want 1", got)
	}
	select {
	case <-done:
	default:
		t.Fatalf("epoch 0 channel not closed after bump")
	}
	if got := c.Current(); got != 1 {
		t.Fatalf("Current = %d, want 1", got)
	}
}

func TestWatch_PastEpochIsAlreadyClosed(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	c.Bump()
	c.Bump()

	select {
	case <-c.Watch(0):
	default:
		t.Fatalf("watching an ended epoch must return a closed channel")
	}
}

func TestWatch_NewEpochStaysOpen(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	c.Bump()

	select {
	case <-c.Watch(1):
		t.Fatalf("fresh epoch reported ended")
	default:
	}
}

package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/bobmcallan/jobsrv/internal/models"
)

func newMsg() *models.SchedulerMessage {
	return &models.SchedulerMessage{Job: &models.JobMessage{}}
}

func TestLeafFIFO(t *testing.T) {
	l := NewLeaf(models.JobQueueKey{Name: "a"})
	m1, m2 := newMsg(), newMsg()
	_ = l.Enqueue(m1)
	_ = l.Enqueue(m2)

	got, err := l.TryDequeue()
	if err != nil || got != m1 {
		t.Fatalf("expected FIFO order, got %v err %v", got, err)
	}
	got, _ = l.TryDequeue()
	if got != m2 {
		t.Fatalf("expected second message in order")
	}
	if got, _ := l.TryDequeue(); got != nil {
		t.Fatalf("expected empty leaf to return nil")
	}
}

func TestGroupPropagatesActivation(t *testing.T) {
	g := NewGroup()
	l1 := NewLeaf(models.JobQueueKey{Name: "a"})
	l2 := NewLeaf(models.JobQueueKey{Name: "b"})
	g.Attach(l1)
	g.Attach(l2)

	if g.ActiveChildren() != 0 {
		t.Fatalf("expected no active children initially")
	}

	_ = l1.Enqueue(newMsg())
	if g.ActiveChildren() != 1 {
		t.Fatalf("expected one active child after enqueue")
	}

	msg, err := g.TryDequeue()
	if err != nil || msg == nil {
		t.Fatalf("expected a message, got %v err %v", msg, err)
	}
	if g.ActiveChildren() != 0 {
		t.Fatalf("expected zero active children after draining the only message")
	}
}

func TestGroupWeightedFairness(t *testing.T) {
	g := NewGroup()
	light := NewLeaf(models.JobQueueKey{Name: "light"})
	heavy := NewLeaf(models.JobQueueKey{Name: "heavy"})
	light.SetWeight(10)
	heavy.SetWeight(20)
	g.Attach(light)
	g.Attach(heavy)

	const n = 1000
	for i := 0; i < n; i++ {
		_ = light.Enqueue(newMsg())
		_ = heavy.Enqueue(newMsg())
	}

	lightServed, heavyServed := 0, 0
	for {
		msg, err := g.TryDequeue()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg == nil {
			break
		}
		ls := light.Stats()
		hs := heavy.Stats()
		lightServed, heavyServed = int(ls.Served), int(hs.Served)
		// Stop once either leaf drains: after that the other is served alone.
		if light.Len() == 0 || heavy.Len() == 0 {
			break
		}
	}

	ratio := float64(heavyServed) / float64(lightServed)
	if ratio < 1.9 || ratio > 2.1 {
		t.Fatalf("expected heavy:light service ratio near 2.0, got %f (light=%d heavy=%d)", ratio, lightServed, heavyServed)
	}
}

func TestGroupDetachTombstonesIndex(t *testing.T) {
	g := NewGroup()
	l1 := NewLeaf(models.JobQueueKey{Name: "a"})
	l2 := NewLeaf(models.JobQueueKey{Name: "b"})
	idx1 := g.Attach(l1)
	idx2 := g.Attach(l2)

	_ = l1.Enqueue(newMsg())
	g.Detach(idx1)

	// idx2 must still refer to l2 after idx1 is torn down.
	_ = l2.Enqueue(newMsg())
	msg, _ := g.TryDequeue()
	if msg == nil {
		t.Fatalf("expected l2's message to remain reachable after idx1 detach")
	}
	_ = idx2
}

func TestGroupDequeueBlocksUntilCancel(t *testing.T) {
	g := NewGroup()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Dequeue(ctx)
	if err == nil {
		t.Fatalf("expected context deadline error from an empty group")
	}
}

func TestGroupDequeueWakesOnEnqueue(t *testing.T) {
	g := NewGroup()
	l := NewLeaf(models.JobQueueKey{Name: "a"})
	g.Attach(l)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var got *models.SchedulerMessage
	go func() {
		got, _ = g.Dequeue(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	want := newMsg()
	_ = l.Enqueue(want)

	select {
	case <-done:
		if got != want {
			t.Fatalf("expected to dequeue the enqueued message")
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not wake up after enqueue")
	}
}

package scheduling

import (
	"testing"
	"time"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/models"
)

func newLeafFactory() func(key string) Flow {
	return func(key string) Flow {
		return NewLeaf(models.JobQueueKey{Name: key})
	}
}

func TestClientQueueSystemGetOrAddIsIdempotent(t *testing.T) {
	s := NewClientQueueSystem(newLeafFactory(), common.NewSilentLogger())
	a := s.GetOrAdd("client-a")
	b := s.GetOrAdd("client-a")
	if a != b {
		t.Fatalf("expected GetOrAdd to return the same flow for the same key")
	}
	if !s.ContainsKey("client-a") {
		t.Fatalf("expected key to be present")
	}
	if _, ok := s.TryGetValue("client-b"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestClientQueueSystemListMembers(t *testing.T) {
	s := NewClientQueueSystem(newLeafFactory(), common.NewSilentLogger())
	s.GetOrAdd("a")
	s.GetOrAdd("b")
	members := s.ListMembers()
	if len(members) != 2 {
		t.Fatalf("expected two members, got %d", len(members))
	}
}

func TestClientQueueSystemSweepExpiresIdleEntries(t *testing.T) {
	s := NewClientQueueSystem(newLeafFactory(), common.NewSilentLogger())
	s.expiryTicks = time.Millisecond
	s.GetOrAdd("idle")

	time.Sleep(5 * time.Millisecond)
	s.Sweep(time.Now())

	if s.ContainsKey("idle") {
		t.Fatalf("expected idle entry to be expired")
	}
}

func TestClientQueueSystemSweepSparesActiveEntries(t *testing.T) {
	s := NewClientQueueSystem(newLeafFactory(), common.NewSilentLogger())
	s.expiryTicks = time.Millisecond
	flow := s.GetOrAdd("busy")
	_ = flow.Enqueue(&models.SchedulerMessage{Job: &models.JobMessage{}})

	time.Sleep(5 * time.Millisecond)
	s.Sweep(time.Now())

	if !s.ContainsKey("busy") {
		t.Fatalf("expected active entry to survive the sweep")
	}
}

func TestClientQueueSystemSweepSparesFreshEntriesBeforeTimeout(t *testing.T) {
	s := NewClientQueueSystem(newLeafFactory(), common.NewSilentLogger())
	s.GetOrAdd("fresh")

	s.Sweep(time.Now())

	if !s.ContainsKey("fresh") {
		t.Fatalf("expected entry younger than expiryTicks to survive")
	}
}

package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// PrioritizedQueueSystem is component D: a fixed array of countPriorities
// scheduling groups, each independently weighted (spec.md section 4.D).
// Index p defaults to weight (p+1)*10 so higher-numbered priorities
// receive proportionally more service, matching the per-priority weights
// used throughout the rest of the scheduling tree.
//
// Each level is itself component C nested two deep: an owner-keyed
// ClientQueueSystem whose children are name-keyed ClientQueueSystems,
// whose children are the Leaf queues jobs actually land in (spec.md
// section 3: a ClientJobQueue is identified by the tuple (owner,
// priority, name)). Component C is a Flow, so nesting it this way is
// exactly the "ClientQueueSystem of ClientQueueSystems" its own doc
// comment describes — GetLeaf is what drives both layers of GetOrAdd.
type PrioritizedQueueSystem struct {
	root *Group

	mu     sync.RWMutex
	levels []*ClientQueueSystem[models.Owner]
}

// NewPrioritizedQueueSystem builds countPriorities owner->name client
// queue systems, attaches them under one root group, and assigns the
// spec's default per-priority weight. countPriorities must be at least
// 1 (spec.md section 8: "Zero priority classes -> constructor fails");
// a zero or negative value is a misconfiguration, not a valid empty
// scheduler, so it is reported rather than silently producing a
// constructor that can never dequeue anything.
func NewPrioritizedQueueSystem(countPriorities int, log *common.Logger) (*PrioritizedQueueSystem, error) {
	if countPriorities < 1 {
		return nil, fmt.Errorf("scheduling: countPriorities must be at least 1, got %d", countPriorities)
	}

	root := NewGroup()
	s := &PrioritizedQueueSystem{root: root}
	s.levels = make([]*ClientQueueSystem[models.Owner], countPriorities)
	for p := 0; p < countPriorities; p++ {
		priority := uint32(p)
		owners := NewClientQueueSystem(func(owner models.Owner) Flow {
			return NewClientQueueSystem(func(name string) Flow {
				return NewLeaf(models.JobQueueKey{Owner: owner, Priority: priority, Name: name})
			}, log)
		}, log)
		owners.SetWeight((p + 1) * 10)
		root.Attach(owners)
		s.levels[p] = owners
	}
	return s, nil
}

// Get returns the owner-keyed client queue system for priority p, or nil
// if out of range.
func (s *PrioritizedQueueSystem) Get(p int) *ClientQueueSystem[models.Owner] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p < 0 || p >= len(s.levels) {
		return nil
	}
	return s.levels[p]
}

// GetLeaf resolves (priority, owner, name) to its ClientJobQueue leaf,
// building the owner and name layers on first use (spec.md section 4.D's
// owner -> name routing, and 4.E: jobs manager "installs... into a
// specific client queue (from D->C)"). The returned account is both the
// models.SchedulingAccount charged once its jobs run and, via a
// models.SchedulingTarget type assertion, the Enqueue target itself.
func (s *PrioritizedQueueSystem) GetLeaf(priority int, owner models.Owner, name string) (models.SchedulingAccount, error) {
	owners := s.Get(priority)
	if owners == nil {
		return nil, fmt.Errorf("scheduling: priority %d out of range [0,%d)", priority, s.CountPriorities())
	}
	namesFlow := owners.GetOrAdd(owner)
	names, ok := namesFlow.(*ClientQueueSystem[string])
	if !ok {
		return nil, fmt.Errorf("scheduling: internal: owner %v resolved to %T, not a name layer", owner, namesFlow)
	}
	leafFlow := names.GetOrAdd(name)
	leaf, ok := leafFlow.(*Leaf)
	if !ok {
		return nil, fmt.Errorf("scheduling: internal: name %q resolved to %T, not a leaf", name, leafFlow)
	}
	return leaf, nil
}

// SetWeight reconfigures priority p's weight at runtime (spec.md section
// 4.D: "reconfigurable at runtime").
func (s *PrioritizedQueueSystem) SetWeight(p int, weight int) {
	owners := s.Get(p)
	if owners == nil {
		return
	}
	owners.SetWeight(weight)
}

// CountPriorities reports the fixed number of priority levels.
func (s *PrioritizedQueueSystem) CountPriorities() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.levels)
}

// TryDequeue performs one non-blocking pop from the root channel
// multiplexing every priority (spec.md section 4.D: "a root channel
// multiplexes all priorities for the dispatcher").
func (s *PrioritizedQueueSystem) TryDequeue() (*models.SchedulerMessage, error) {
	return s.root.TryDequeue()
}

// Dequeue blocks until a message is available from any priority, or ctx
// is cancelled. This is what the root dispatcher (spec.md section 5)
// drives in its single pulling task.
func (s *PrioritizedQueueSystem) Dequeue(ctx context.Context) (*models.SchedulerMessage, error) {
	return s.root.Dequeue(ctx)
}

// ActiveChildren reports how many of the countPriorities levels currently
// have queued work, for observability.
func (s *PrioritizedQueueSystem) ActiveChildren() int {
	return s.root.ActiveChildren()
}

// SweepExpiry runs one idle-expiry pass (spec.md section 4.C) over every
// owner layer and, beneath each live owner, its name layer. Intended to
// be called periodically by the embedding application on the horizon
// SchedulingConfig.GetExpiryTicks describes; without it, owners and
// names that go idle forever would never be reclaimed.
func (s *PrioritizedQueueSystem) SweepExpiry(now time.Time) {
	s.mu.RLock()
	levels := make([]*ClientQueueSystem[models.Owner], len(s.levels))
	copy(levels, s.levels)
	s.mu.RUnlock()

	for _, owners := range levels {
		owners.Sweep(now)
		for _, owner := range owners.ListMembers() {
			namesFlow, ok := owners.TryGetValue(owner)
			if !ok {
				continue
			}
			if names, ok := namesFlow.(*ClientQueueSystem[string]); ok {
				names.Sweep(now)
			}
		}
	}
}

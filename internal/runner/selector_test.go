package runner

import (
	"testing"
	"time"

	"github.com/ashrun/ash/internal/store"
)

func runnerWith(id string, max, active, warming int, registered time.Time) *store.Runner {
	return &store.Runner{
		ID:           id,
		Host:         "10.0.0.1",
		Port:         4101,
		MaxSandboxes: max,
		ActiveCount:  active,
		WarmingCount: warming,
		RegisteredAt: registered,
	}
}

func TestMostFreeSlotsPicksLeastLoaded(t *testing.T) {
	now := time.Now()
	runners := []*store.Runner{
		runnerWith("busy", 4, 3, 0, now),
		runnerWith("idle", 4, 1, 0, now),
		runnerWith("mid", 4, 2, 0, now),
	}

	picked := MostFreeSlots{}.Pick(runners)
	if picked == nil || picked.ID != "idle" {
		t.Fatalf("picked = %+v, want idle", picked)
	}
}

func TestMostFreeSlotsCountsWarmingAgainstCapacity(t *testing.T) {
	now := time.Now()
	runners := []*store.Runner{
		runnerWith("warming-heavy", 4, 1, 3, now),
		runnerWith("calm", 4, 2, 0, now),
	}

	picked := MostFreeSlots{}.Pick(runners)
	if picked == nil || picked.ID != "calm" {
		t.Fatalf("picked = %+v, want calm", picked)
	}
}

func TestMostFreeSlotsSkipsFullRunners(t *testing.T) {
	now := time.Now()
	runners := []*store.Runner{
		runnerWith("full", 2, 2, 0, now),
		runnerWith("overfull", 2, 2, 1, now),
	}

	if picked := (MostFreeSlots{}).Pick(runners); picked != nil {
		t.Fatalf("picked = %+v, want nil when everyone is full", picked)
	}
	if picked := (MostFreeSlots{}).Pick(nil); picked != nil {
		t.Fatalf("picked = %+v for empty list, want nil", picked)
	}
}

func TestMostFreeSlotsTieGoesToOldestRegistration(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	young := time.Now()
	runners := []*store.Runner{
		runnerWith("young", 4, 1, 0, young),
		runnerWith("old", 4, 1, 0, old),
	}

	picked := MostFreeSlots{}.Pick(runners)
	if picked == nil || picked.ID != "old" {
		t.Fatalf("picked = %+v, want old", picked)
	}
}

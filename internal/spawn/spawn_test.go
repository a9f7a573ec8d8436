package spawn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestDetector(cfg Config) (*Detector, *time.Time) {
	d := NewDetector(cfg)
	now := time.Unix(1000, 0)
	d.SetClock(func() time.Time { return now })
	return d, &now
}

func TestDecideSpawn(t *testing.T) {
	cfg := Config{MaxDepth: 3, MinBatchesPerThread: 4, Hysteresis: 5 * time.Second}
	loaded := Metrics{PendingBatches: 4 * BranchFactor, AvailableCores: 16}

	d, _ := newTestDetector(cfg)
	out := d.Decide(loaded)
	assert.Equal(t, Spawn, out.Decision)
	assert.Equal(t, BranchFactor, out.NumChildren, "children capped at twelve")

	// Fewer cores than the branch factor limits the spawn width.
	m := loaded
	m.AvailableCores = 5
	out = d.Decide(m)
	assert.Equal(t, Spawn, out.Decision)
	assert.Equal(t, 5, out.NumChildren)

	// No cores, no spawn.
	m.AvailableCores = 0
	assert.Equal(t, Keep, d.Decide(m).Decision)

	// Depth cap.
	m = loaded
	m.Depth = 3
	assert.Equal(t, Keep, d.Decide(m).Decision)

	// Load floor.
	m = loaded
	m.PendingBatches = 4*BranchFactor - 1
	assert.Equal(t, Keep, d.Decide(m).Decision)
}

func TestSpawnHysteresis(t *testing.T) {
	cfg := Config{MaxDepth: 3, MinBatchesPerThread: 4, Hysteresis: 5 * time.Second}
	d, now := newTestDetector(cfg)
	loaded := Metrics{PendingBatches: 4 * BranchFactor, AvailableCores: 16}

	assert.Equal(t, Spawn, d.Decide(loaded).Decision)
	d.RecordSpawn()

	// Within the window the detector refuses even under load.
	*now = now.Add(4 * time.Second)
	assert.Equal(t, Keep, d.Decide(loaded).Decision)

	// After the window it spawns again.
	*now = now.Add(1001 * time.Millisecond)
	assert.Equal(t, Spawn, d.Decide(loaded).Decision)

	spawns, despawns := d.Counts()
	assert.Equal(t, 1, spawns)
	assert.Equal(t, 0, despawns)
}

func TestDecideDespawn(t *testing.T) {
	cfg := Config{MaxDepth: 3, MinBatchesPerThread: 4, Hysteresis: 5 * time.Second}
	d, now := newTestDetector(cfg)

	idleCoordinator := Metrics{PendingBatches: 3, IsCoordinator: true, AvailableCores: 16}
	assert.Equal(t, Despawn, d.Decide(idleCoordinator).Decision)
	d.RecordDespawn()

	// Despawn hysteresis.
	*now = now.Add(time.Second)
	assert.Equal(t, Keep, d.Decide(idleCoordinator).Decision)
	*now = now.Add(5 * time.Second)
	assert.Equal(t, Despawn, d.Decide(idleCoordinator).Decision)

	// A busy coordinator keeps its children.
	busy := Metrics{PendingBatches: 4, IsCoordinator: true}
	assert.Equal(t, Keep, d.Decide(busy).Decision)
}

// TestCountsConcurrentWithRecords reads the counters while the owning
// goroutine records transitions, as the hierarchy snapshot does on a live
// worker. Run with -race.
func TestCountsConcurrentWithRecords(t *testing.T) {
	d := NewDetector(Config{MaxDepth: 3, MinBatchesPerThread: 4})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			d.RecordSpawn()
			d.RecordDespawn()
		}
	}()
	for {
		select {
		case <-done:
			spawns, despawns := d.Counts()
			assert.Equal(t, 1000, spawns)
			assert.Equal(t, 1000, despawns)
			return
		default:
			d.Counts()
		}
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "keep", Keep.String())
	assert.Equal(t, "spawn", Spawn.String())
	assert.Equal(t, "despawn", Despawn.String())
	assert.Equal(t, "invalid", Decision(99).String())
}

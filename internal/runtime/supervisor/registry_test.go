package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestRegistrySkipsStoppedSubsystems(t *testing.T) {
	t.Parallel()
	running := New(context.Background())
	defer running.Cancel()
	running.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	reg := NewRegistry()
	reg.Set("zeta", func() *Supervisor { return running })
	reg.Set("alpha", func() *Supervisor { return running })
	reg.Set("stopped", func() *Supervisor { return nil })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap := running.Snapshot(); len(snap.Goroutines) == 1 && snap.Goroutines[0].Active == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := reg.Snapshot()
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "zeta" {
		t.Fatalf("Snapshot() = %+v, want alpha and zeta", got)
	}
	if len(got[0].Goroutines) != 1 || got[0].Goroutines[0].Name != "loop" {
		t.Fatalf("goroutines = %+v", got[0].Goroutines)
	}

	reg.Delete("zeta")
	reg.Set("alpha", nil)
	if got := reg.Snapshot(); len(got) != 0 {
		t.Fatalf("after delete Snapshot() = %+v", got)
	}
}

package runstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/checksum"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

func newRun(id string) *types.Run {
	now := time.Now().UTC()
	return &types.Run{
		ID:        id,
		TaskID:    "task-1",
		State:     types.RunStateCreated,
		Secret:    "s3cret",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	run := newRun("r1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.CreateRun(ctx, newRun("r1")); !errors.Is(err, ErrRunExists) {
		t.Errorf("expected ErrRunExists, got %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != types.RunStateCreated || got.Version != 1 || got.Secret != "s3cret" {
		t.Errorf("unexpected run %+v", got)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}

	runs, err := s.ListRuns(ctx, "task-1")
	if err != nil || len(runs) != 1 {
		t.Errorf("expected one run for task-1, got %d (%v)", len(runs), err)
	}
	if runs, _ := s.ListRuns(ctx, "other"); len(runs) != 0 {
		t.Errorf("expected no runs for other task, got %d", len(runs))
	}
}

func TestMemoryStore_CommitState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	first, _ := s.GetRun(ctx, "r1")
	second, _ := s.GetRun(ctx, "r1")

	first.State = types.RunStateProvisioned
	if err := s.CommitState(ctx, first); err != nil {
		t.Fatalf("CommitState failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("expected version 2, got %d", first.Version)
	}

	second.State = types.RunStateFailed
	if err := s.CommitState(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for a stale run, got %v", err)
	}

	got, _ := s.GetRun(ctx, "r1")
	if got.State != types.RunStateProvisioned {
		t.Errorf("stale commit must not apply, state is %s", got.State)
	}
}

func TestMemoryStore_Lock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	t.Run("serialises holders", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inside  int
			overlap bool
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := s.Lock(ctx, "r1")
				if err != nil {
					t.Errorf("Lock failed: %v", err)
					return
				}
				defer unlock()
				mu.Lock()
				inside++
				if inside > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
			}()
		}
		wg.Wait()
		if overlap {
			t.Error("two holders were inside the lock at once")
		}
	})

	t.Run("respects context", func(t *testing.T) {
		unlock, err := s.Lock(ctx, "r1")
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		defer unlock()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := s.Lock(waitCtx, "r1"); !errors.Is(err, ErrLockTimeout) {
			t.Errorf("expected ErrLockTimeout, got %v", err)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		if _, err := s.Lock(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})
}

func TestMemoryStore_Nodes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	if err := s.CreateRun(ctx, newRun("r1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	nodes := []*types.Persistence{
		{RunID: "r1", Direction: types.DirectionInput, Parameter: "xs", Index: "1", Kind: types.KindInteger, Value: "2"},
		{RunID: "r1", Direction: types.DirectionInput, Parameter: "xs", Kind: types.KindCollection, Items: []string{"0", "1"}},
		{RunID: "r1", Direction: types.DirectionInput, Parameter: "xs", Index: "0", Kind: types.KindInteger, Value: "1"},
	}
	if err := s.ReplaceNodes(ctx, "r1", types.DirectionInput, "xs", nodes); err != nil {
		t.Fatalf("ReplaceNodes failed: %v", err)
	}
	nodes[0].Value = "mutated"

	got, err := s.ParameterNodes(ctx, "r1", types.DirectionInput, "xs")
	if err != nil {
		t.Fatalf("ParameterNodes failed: %v", err)
	}
	if len(got) != 3 || got[0].Index != "" || got[1].Index != "0" || got[2].Value != "2" {
		t.Errorf("unexpected nodes %+v", got)
	}

	if out, _ := s.ListNodes(ctx, "r1", types.DirectionOutput); len(out) != 0 {
		t.Errorf("outputs must be separate, got %d nodes", len(out))
	}

	if err := s.ReplaceNodes(ctx, "r1", types.DirectionInput, "xs", nil); err != nil {
		t.Fatalf("ReplaceNodes failed: %v", err)
	}
	if all, _ := s.ListNodes(ctx, "r1", types.DirectionInput); len(all) != 0 {
		t.Errorf("expected nodes to be removed, got %d", len(all))
	}
}

func TestMemoryStore_Checksums(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	if _, err := s.GetChecksum(ctx, "ns/a"); !errors.Is(err, checksum.ErrNotRecorded) {
		t.Fatalf("expected ErrNotRecorded, got %v", err)
	}
	if err := s.PutChecksum(ctx, &types.Checksum{Reference: "ns/a", CRC32: 42}); err != nil {
		t.Fatalf("PutChecksum failed: %v", err)
	}
	c, err := s.GetChecksum(ctx, "ns/a")
	if err != nil || c.CRC32 != 42 {
		t.Errorf("unexpected checksum %+v (%v)", c, err)
	}
}

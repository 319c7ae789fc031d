package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newStoredTask(id, accountID string, status Status) *Task {
	return &Task{
		ID:        id,
		AccountID: accountID,
		Goal:      "goal " + id,
		Asset:     "ETH",
		Status:    status,
		Steps: []Step{
			{ID: id + "-s1", Type: StepLogOnly, Status: StepPending},
		},
	}
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newStoredTask("t1", "acc-1", StatusPending)
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newStoredTask("t1", "acc-1", StatusPending)); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("duplicate create = %v, want ErrTaskConflict", err)
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "missing", StatusPending); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("claim missing = %v, want ErrTaskNotFound", err)
	}

	if err := store.Create(ctx, newStoredTask("t1", "acc-1", StatusPending)); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "t1", StatusPending)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning {
		t.Fatalf("status = %s, want RUNNING", claimed.Status)
	}

	// 已在运行中的任务不能二次领取。
	if _, err := store.Claim(ctx, "t1", StatusPending); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("double claim = %v, want ErrTaskConflict", err)
	}

	claimed.Status = StatusCompleted
	if err := store.Update(ctx, claimed); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.Claim(ctx, "t1", StatusPending); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("claim finished = %v, want ErrTaskTerminal", err)
	}
}

func TestMemoryStoreClaimIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newStoredTask("t1", "acc-1", StatusPending)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Claim(ctx, "t1", StatusPending); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var won int
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", won)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newStoredTask("t1", "acc-1", StatusPending)); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Goal = "mutated"
	first.Steps[0].Status = StepFailed

	second, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Goal == "mutated" || second.Steps[0].Status == StepFailed {
		t.Fatal("store returned a shared reference instead of a copy")
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := []*Task{
		newStoredTask("t1", "acc-1", StatusPending),
		newStoredTask("t2", "acc-1", StatusCompleted),
		newStoredTask("t3", "acc-2", StatusCompleted),
		newStoredTask("t4", "acc-1", StatusFailed),
	}
	for i, task := range seed {
		task.CreatedAt = int64(1000 + i)
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	byAccount, err := store.List(ctx, ListOptions{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byAccount) != 3 {
		t.Fatalf("acc-1 tasks = %d, want 3", len(byAccount))
	}

	completed, err := store.List(ctx, ListOptions{AccountID: "acc-1", Statuses: []Status{StatusCompleted}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "t2" {
		t.Fatalf("completed acc-1 tasks = %v, want [t2]", taskIDs(completed))
	}

	byQuery, err := store.List(ctx, ListOptions{Query: "goal t3"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "t3" {
		t.Fatalf("query match = %v, want [t3]", taskIDs(byQuery))
	}

	paged, err := store.List(ctx, ListOptions{Limit: 2, Offset: 2, Order: SortByUpdatedAsc})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paged) != 2 {
		t.Fatalf("paged tasks = %d, want 2", len(paged))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	statuses := []Status{StatusPending, StatusPending, StatusCompleted, StatusFailed, StatusPendingApproval}
	for i, status := range statuses {
		if err := store.Create(ctx, newStoredTask(fmt.Sprintf("t%d", i), "acc-1", status)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	stats, err := store.Stats(ctx, ListOptions{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Pending != 2 || stats.Completed != 1 || stats.Failed != 1 || stats.PendingApproval != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.NewestUpdatedAt == 0 || stats.NewestUpdatedAt > time.Now().Unix() {
		t.Fatalf("newest updated at = %d", stats.NewestUpdatedAt)
	}
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}

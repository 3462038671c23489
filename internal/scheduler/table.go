package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/job"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// jobTable is the in-memory job set plus its persistence discipline.
//
// All mutations go through update(), which holds the table lock across the
// mutation AND the save, so the store only ever sees consistent sets (the
// store is a single-writer resource from the core's perspective). A failed
// save is logged and swallowed: in-memory state stays authoritative until
// the next successful save.
type jobTable struct {
	mu   sync.Mutex
	jobs job.Set

	store store.Store
	log   logx.Logger

	lastSaveNS atomic.Int64
}

func newJobTable(st store.Store, log logx.Logger) *jobTable {
	return &jobTable{jobs: job.Set{}, store: st, log: log}
}

func (t *jobTable) load(ctx context.Context) error {
	jobs, err := t.store.Load(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.jobs = jobs
	t.mu.Unlock()
	return nil
}

// update applies fn to the job set under the table lock, then persists.
// Persistence errors never abort the mutation.
func (t *jobTable) update(ctx context.Context, fn func(job.Set)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.jobs)
	t.saveLocked(ctx)
}

// updateIf applies fn under the table lock and persists only when fn
// reports that it changed something.
func (t *jobTable) updateIf(ctx context.Context, fn func(job.Set) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn(t.jobs) {
		t.saveLocked(ctx)
	}
}

// view runs fn read-only under the table lock. fn must not retain pointers.
func (t *jobTable) view(fn func(job.Set)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.jobs)
}

func (t *jobTable) saveLocked(ctx context.Context) {
	if err := t.store.Save(ctx, t.jobs); err != nil {
		t.log.Warn("job save failed; keeping in-memory state", logx.Any("err", err))
		return
	}
	t.lastSaveNS.Store(time.Now().UnixNano())
}

func (t *jobTable) lastSave() time.Time {
	ns := t.lastSaveNS.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

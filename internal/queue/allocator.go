package queue

import (
	"context"
	"sort"

	"rental-queue/internal/common/metrics"
)

// Allocator assigns and repairs queue positions. It works only through the
// listing transaction it is handed, so callers already hold the listing lock.
type Allocator struct{}

// Allocate returns the position for a new pending application: one past the
// highest pending position, or 1 for an empty queue.
func (Allocator) Allocate(ctx context.Context, tx Tx) (int, error) {
	max, err := tx.MaxPendingPosition(ctx)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// Compact renumbers pending applications 1..N in applied_at order and returns
// how many rows moved. A dense queue is left untouched.
func (Allocator) Compact(ctx context.Context, tx Tx) (int, error) {
	pending, err := tx.PendingApplications(ctx)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].QueuedBefore(pending[j]) })

	changed := 0
	for i, app := range pending {
		want := i + 1
		if app.Position == want {
			continue
		}
		if err := tx.SetPosition(ctx, app.ID, want); err != nil {
			return changed, err
		}
		app.Position = want
		changed++
	}

	if changed > 0 {
		metrics.QueuePositionsRewritten.Add(float64(changed))
	}
	return changed, nil
}

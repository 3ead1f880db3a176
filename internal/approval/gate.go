// Package approval provides the blocking request/await/resolve rendezvous for
// destructive operations.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coworkos/cowork/internal/store"
)

// Gate manages approval lifecycle. Waiters suspend on a per-approval
// completion slot; resolution arrives exactly once from the UI, the control
// plane, or TTL expiry.
type Gate struct {
	st  *store.Store
	ttl time.Duration

	mu      sync.Mutex
	waiters map[string]chan string
}

// NewGate creates the gate. Pending approvals left over from a previous
// process are resolved as timed_out.
func NewGate(st *store.Store, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	g := &Gate{st: st, ttl: ttl, waiters: make(map[string]chan string)}
	if stale, err := st.ListPendingApprovals(); err == nil {
		for _, a := range stale {
			_, _ = st.ResolveApproval(a.ID, store.ApprovalTimedOut)
		}
	}
	return g
}

// TTL returns the configured approval time-to-live.
func (g *Gate) TTL() time.Duration { return g.ttl }

// Request creates a pending approval for a task. At most one pending approval
// per task is allowed at a time.
func (g *Gate) Request(taskID, approvalType, description, details string) (*store.Approval, error) {
	if _, pending, err := g.st.PendingApprovalForTask(taskID); err != nil {
		return nil, err
	} else if pending {
		return nil, fmt.Errorf("task %s already has a pending approval", taskID)
	}

	a := &store.Approval{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Type:        approvalType,
		Description: description,
		Details:     details,
		Status:      store.ApprovalPending,
		RequestedAt: time.Now(),
	}
	if err := g.st.InsertApproval(a); err != nil {
		return nil, err
	}

	ch := make(chan string, 1)
	g.mu.Lock()
	g.waiters[a.ID] = ch
	g.mu.Unlock()
	return a, nil
}

// Wait blocks until the approval resolves, the TTL expires, or ctx is
// cancelled. The returned status is one of approved | denied | timed_out.
func (g *Gate) Wait(ctx context.Context, id string) (string, error) {
	g.mu.Lock()
	ch, ok := g.waiters[id]
	g.mu.Unlock()
	if !ok {
		// Already resolved (or never requested): report the recorded outcome.
		a, err := g.st.GetApproval(id)
		if err != nil {
			return "", fmt.Errorf("no pending approval: %s", id)
		}
		return a.Status, nil
	}

	timer := time.NewTimer(g.ttl)
	defer timer.Stop()

	select {
	case status := <-ch:
		return status, nil
	case <-timer.C:
		status, err := g.resolve(id, store.ApprovalTimedOut)
		if err != nil {
			return "", err
		}
		return status, nil
	case <-ctx.Done():
		// The executor was cancelled; the approval itself times out.
		_, _ = g.resolve(id, store.ApprovalTimedOut)
		return "", ctx.Err()
	}
}

// Respond delivers an approval decision. The first response wins; any later
// response for the same id is a no-op returning the original outcome.
func (g *Gate) Respond(id string, approved bool) (string, error) {
	if _, err := g.st.GetApproval(id); err != nil {
		return "", fmt.Errorf("unknown approval: %s", id)
	}
	status := store.ApprovalDenied
	if approved {
		status = store.ApprovalApproved
	}
	return g.resolve(id, status)
}

// resolve records the outcome exactly once and wakes the waiter. The store
// keeps the first status; the returned value is whatever actually stuck.
func (g *Gate) resolve(id, status string) (string, error) {
	final, err := g.st.ResolveApproval(id, status)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	ch, ok := g.waiters[id]
	if ok {
		delete(g.waiters, id)
	}
	g.mu.Unlock()
	if ok {
		ch <- final
	}
	return final, nil
}

// SweepExpired resolves pending approvals past their TTL as timed_out. Run
// from the daemon heartbeat.
func (g *Gate) SweepExpired(now time.Time) {
	pending, err := g.st.ListPendingApprovals()
	if err != nil {
		return
	}
	for _, a := range pending {
		if now.Sub(a.RequestedAt) >= g.ttl {
			_, _ = g.resolve(a.ID, store.ApprovalTimedOut)
		}
	}
}

package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of one tracked network call.
type RequestStatus string

const (
	RequestActive    RequestStatus = "active"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// NetworkRequest records one in-flight or recently finished external call.
type NetworkRequest struct {
	ID        string
	Kind      string
	Target    string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    RequestStatus
	Duration  time.Duration
}

// activityTracker keeps an auditable map of tracked network calls.
// Terminal records are garbage-collected after a fixed delay; the delay
// only bounds memory and has no correctness role.
type activityTracker struct {
	mu       sync.Mutex
	requests map[string]*NetworkRequest
	gcDelay  time.Duration
	now      func() time.Time
}

func newActivityTracker(gcDelay time.Duration) *activityTracker {
	if gcDelay <= 0 {
		gcDelay = 5 * time.Second
	}
	return &activityTracker{
		requests: make(map[string]*NetworkRequest),
		gcDelay:  gcDelay,
		now:      time.Now,
	}
}

// begin registers a new active record and returns its identity.
func (t *activityTracker) begin(kind, target string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.requests[id] = &NetworkRequest{
		ID:        id,
		Kind:      kind,
		Target:    target,
		StartedAt: t.now(),
		Status:    RequestActive,
	}
	t.mu.Unlock()
	return id
}

// finish moves a record to a terminal status and schedules its removal.
// Unknown identities are ignored.
func (t *activityTracker) finish(id string, status RequestStatus) {
	t.mu.Lock()
	req, ok := t.requests[id]
	if ok && req.Status == RequestActive {
		end := t.now()
		req.EndedAt = &end
		req.Status = status
		req.Duration = end.Sub(req.StartedAt)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	time.AfterFunc(t.gcDelay, func() {
		t.mu.Lock()
		delete(t.requests, id)
		t.mu.Unlock()
	})
}

// snapshot returns copies of every live record.
func (t *activityTracker) snapshot() []NetworkRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]NetworkRequest, 0, len(t.requests))
	for _, req := range t.requests {
		out = append(out, *req)
	}
	return out
}

// activeCount reports how many records have not reached a terminal status.
func (t *activityTracker) activeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, req := range t.requests {
		if req.Status == RequestActive {
			n++
		}
	}
	return n
}

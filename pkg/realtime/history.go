package realtime

import "sync"

// historyLog accumulates the structured items a transport has observed,
// keyed by item identity so later events update earlier entries in place.
// Items without an identity are not retained; they cannot be polled
// safely because re-reading them would duplicate emission.
type historyLog struct {
	mu    sync.Mutex
	items []Item
	index map[string]int
}

func newHistoryLog() *historyLog {
	return &historyLog{index: make(map[string]int)}
}

// observe records the items carried by one decoded event.
func (h *historyLog) observe(event agentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch event.Type {
	case eventTypeItemAdded, eventTypeItemCreated:
		if event.Item != nil {
			h.putLocked(*event.Item)
		}
	case eventTypeHistoryUpdated:
		for _, item := range event.Items {
			h.putLocked(item)
		}
	}
}

func (h *historyLog) putLocked(item Item) {
	id := item.Identity()
	if id == "" {
		return
	}
	if idx, ok := h.index[id]; ok {
		h.items[idx] = item
		return
	}
	h.index[id] = len(h.items)
	h.items = append(h.items, item)
}

// snapshot returns a copy of the accumulated items.
func (h *historyLog) snapshot() []Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Item(nil), h.items...)
}

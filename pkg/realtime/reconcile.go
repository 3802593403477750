package realtime

import (
	"strings"
	"sync"
	"time"
)

// candidateSource labels which of the overlapping event channels reported
// a candidate. Only used for debug records.
type candidateSource string

const (
	sourceHistorySnapshot candidateSource = "history_snapshot"
	sourceHistoryAdded    candidateSource = "history_added"
	sourceTransportEvent  candidateSource = "transport_event"
	sourceTurnDone        candidateSource = "turn_done"
	sourcePoll            candidateSource = "poll"
)

// candidate is one entry on the unified reconciliation channel. Structured
// items carry an identity and go through the dedup set; free-text
// candidates (user speech transcriptions, turn-completion summaries) have
// no stable identity and bypass it.
type candidate struct {
	source candidateSource
	item   *Item
	text   string
	role   Role
}

// session owns the per-connection reconciliation state: the candidate
// channel every event source feeds, and the set of item identities
// already emitted. The set is touched only by the consume goroutine.
type session struct {
	credential string
	createdAt  time.Time

	candidates chan candidate
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	seen map[string]struct{}
}

func newSession(credential string, now time.Time) *session {
	return &session{
		credential: credential,
		createdAt:  now,
		candidates: make(chan candidate, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		seen:       make(map[string]struct{}),
	}
}

// enqueue offers a candidate to the consume loop. Returns false once the
// session is stopped so late events from a superseded session are dropped.
func (s *session) enqueue(c candidate) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case <-s.stop:
		return false
	case s.candidates <- c:
		return true
	}
}

func (s *session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

// listenersFor binds the transport's event sources to one session. The
// transcript-bearing sources all funnel through the same candidate
// channel so the dedup/extraction policy is applied exactly once per
// event; audio frames bypass it and go straight to the media sinks.
func (m *Manager) listenersFor(sess *session) Listeners {
	return Listeners{
		OnHistorySnapshot: func(items []Item) {
			for i := range items {
				item := items[i]
				if item.Type != "message" {
					continue
				}
				sess.enqueue(candidate{source: sourceHistorySnapshot, item: &item})
			}
		},
		OnHistoryAdded: func(item Item) {
			if item.Type != "message" {
				return
			}
			sess.enqueue(candidate{source: sourceHistoryAdded, item: &item})
		},
		OnTransportEvent: func(event TransportEvent) {
			if transcript := strings.TrimSpace(event.Transcript); transcript != "" {
				sess.enqueue(candidate{source: sourceTransportEvent, text: transcript, role: RoleUser})
			}
			if event.Item != nil && event.Item.Type == "message" {
				item := *event.Item
				sess.enqueue(candidate{source: sourceTransportEvent, item: &item})
			}
		},
		OnTurnDone: func(turn TurnSummary) {
			if len(turn.Output) == 0 {
				return
			}
			last := turn.Output[len(turn.Output)-1]
			if text := textFromOutputItem(last); strings.TrimSpace(text) != "" {
				sess.enqueue(candidate{source: sourceTurnDone, text: text, role: RoleAssistant})
			}
		},
		OnAudio: func(frame []byte) {
			m.deliverAudio(sess, frame)
		},
		OnDisconnect: func() {
			m.handleTransportDisconnect(sess)
		},
		OnError: func(err error) {
			m.emitError(err)
		},
	}
}

// consume is the single reader of a session's candidate channel. Runs for
// the session's lifetime; exits when the session is stopped.
func (m *Manager) consume(sess *session) {
	defer close(sess.done)
	for {
		select {
		case <-sess.stop:
			return
		case c := <-sess.candidates:
			m.reconcile(sess, c)
		}
	}
}

// reconcile applies the dedup and extraction policy to one candidate.
func (m *Manager) reconcile(sess *session, c candidate) {
	if c.item == nil {
		// Free-text channel: no stable identity, emitted directly.
		// Duplicate assistant lines across channels are a known
		// limitation of the upstream protocol.
		m.emitTranscript(c.text, c.role)
		return
	}

	item := *c.item
	if item.Role != RoleUser && item.Role != RoleAssistant {
		return
	}
	id := item.Identity()
	if id == "" {
		// Without an identity the item cannot be deduplicated; dropping
		// it is safer than risking a duplicate emission.
		m.debugLog("warn", "Reconcile", "dropping item without identity", map[string]any{"source": string(c.source)})
		return
	}
	if _, dup := sess.seen[id]; dup {
		return
	}
	sess.seen[id] = struct{}{}

	if text := textFromItem(item); strings.TrimSpace(text) != "" {
		m.debugLog("info", "Reconcile", "new transcript item", map[string]any{
			"source": string(c.source),
			"item":   id,
			"role":   string(item.Role),
		})
		m.emitTranscript(text, item.Role)
	}
}

// textFromItem extracts displayable text from a structured item: the
// first part whose kind is output_text, text, or input_text; or the plain
// string content when the item carries one.
func textFromItem(it Item) string {
	if len(it.Parts) > 0 {
		for _, part := range it.Parts {
			switch part.Type {
			case "output_text", "text", "input_text":
				if part.Text != "" {
					return part.Text
				}
				if part.Transcript != "" {
					return part.Transcript
				}
			}
		}
		return ""
	}
	return it.Text
}

// textFromOutputItem extracts the final spoken text from a turn-completion
// output entry.
func textFromOutputItem(it Item) string {
	if it.Type != "output_text" && it.Type != "message" {
		return ""
	}
	return textFromItem(it)
}

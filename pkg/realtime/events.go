package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the speaker of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is one entry of a structured item content list.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item is one structured conversation item reported by the transport.
// Content arrives either as a plain string (Text) or as a structured
// list (Parts); exactly one of the two forms is populated.
type Item struct {
	ItemID string        `json:"item_id,omitempty"`
	ID     string        `json:"id,omitempty"`
	Type   string        `json:"type"`
	Role   Role          `json:"role,omitempty"`
	Text   string        `json:"-"`
	Parts  []ContentPart `json:"-"`
}

// Identity returns the stable deduplication key for the item, preferring
// the item identity field and falling back to the generic identity field.
// Empty means the item cannot be deduplicated.
func (it Item) Identity() string {
	if id := strings.TrimSpace(it.ItemID); id != "" {
		return id
	}
	return strings.TrimSpace(it.ID)
}

// UnmarshalJSON accepts both content shapes the agent emits: a structured
// part list and a bare string.
func (it *Item) UnmarshalJSON(data []byte) error {
	type alias struct {
		ItemID  string          `json:"item_id"`
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	it.ItemID = raw.ItemID
	it.ID = raw.ID
	it.Type = raw.Type
	it.Role = raw.Role
	it.Text = ""
	it.Parts = nil
	if len(raw.Content) == 0 {
		return nil
	}
	switch raw.Content[0] {
	case '"':
		return json.Unmarshal(raw.Content, &it.Text)
	case '[':
		return json.Unmarshal(raw.Content, &it.Parts)
	case 'n': // null
		return nil
	default:
		return fmt.Errorf("item content must be a string or a list")
	}
}

// TransportEvent is a raw low-level event surfaced by a transport.
type TransportEvent struct {
	Type       string
	Transcript string
	Item       *Item
}

// TurnSummary reports a completed agent turn with its output items.
type TurnSummary struct {
	Output []Item
}

// Listeners receive inbound transport notifications. Transports invoke
// them from their own goroutines; every listener must be registered
// before the transport is opened so no event is lost.
type Listeners struct {
	OnHistorySnapshot func(items []Item)
	OnHistoryAdded    func(item Item)
	OnTransportEvent  func(event TransportEvent)
	OnTurnDone        func(turn TurnSummary)
	// OnAudio receives decoded inbound agent audio frames for local
	// playback.
	OnAudio      func(frame []byte)
	OnDisconnect func()
	OnError      func(err error)
}

const (
	eventTypeInputTranscriptDone = "conversation.item.input_audio_transcription.completed"
	eventTypeItemAdded           = "conversation.item.added"
	eventTypeItemCreated         = "conversation.item.created"
	eventTypeResponseDone        = "response.done"
	eventTypeHistoryUpdated      = "conversation.history.updated"
	eventTypeAudioDelta          = "response.output_audio.delta"
	eventTypeAudioDeltaLegacy    = "response.audio.delta"
	eventTypeError               = "error"
)

// agentEvent is a decoded inbound wire frame, dispatched to Listeners by
// both transports.
type agentEvent struct {
	Type       string
	Transcript string
	Item       *Item
	Items      []Item
	Output     []Item
	Audio      []byte
	ErrMessage string
}

func decodeAgentEvent(data []byte) (agentEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return agentEvent{}, fmt.Errorf("decode event envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return agentEvent{}, fmt.Errorf("event frame missing type")
	}

	switch typ {
	case eventTypeInputTranscriptDone:
		var frame struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return agentEvent{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return agentEvent{Type: typ, Transcript: frame.Transcript}, nil
	case eventTypeItemAdded, eventTypeItemCreated:
		var frame struct {
			Item *Item `json:"item"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return agentEvent{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return agentEvent{Type: typ, Item: frame.Item}, nil
	case eventTypeResponseDone:
		var frame struct {
			Response struct {
				Output []Item `json:"output"`
			} `json:"response"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return agentEvent{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return agentEvent{Type: typ, Output: frame.Response.Output}, nil
	case eventTypeHistoryUpdated:
		var frame struct {
			Items []Item `json:"items"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return agentEvent{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return agentEvent{Type: typ, Items: frame.Items}, nil
	case eventTypeAudioDelta, eventTypeAudioDeltaLegacy:
		var frame struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return agentEvent{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		audio, err := base64.StdEncoding.DecodeString(frame.Delta)
		if err != nil {
			return agentEvent{}, fmt.Errorf("decode %s audio: %w", typ, err)
		}
		return agentEvent{Type: typ, Audio: audio}, nil
	case eventTypeError:
		var frame struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return agentEvent{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return agentEvent{Type: typ, ErrMessage: frame.Error.Message}, nil
	default:
		return agentEvent{Type: typ}, nil
	}
}

// dispatch routes a decoded event to the registered listeners.
func (e agentEvent) dispatch(l Listeners) {
	switch e.Type {
	case eventTypeInputTranscriptDone:
		if l.OnTransportEvent != nil {
			l.OnTransportEvent(TransportEvent{Type: e.Type, Transcript: e.Transcript})
		}
	case eventTypeItemAdded, eventTypeItemCreated:
		if e.Item != nil {
			if l.OnHistoryAdded != nil {
				l.OnHistoryAdded(*e.Item)
			}
			if l.OnTransportEvent != nil {
				l.OnTransportEvent(TransportEvent{Type: e.Type, Item: e.Item})
			}
		}
	case eventTypeResponseDone:
		if l.OnTurnDone != nil {
			l.OnTurnDone(TurnSummary{Output: e.Output})
		}
	case eventTypeHistoryUpdated:
		if l.OnHistorySnapshot != nil {
			l.OnHistorySnapshot(e.Items)
		}
	case eventTypeAudioDelta, eventTypeAudioDeltaLegacy:
		if len(e.Audio) > 0 && l.OnAudio != nil {
			l.OnAudio(e.Audio)
		}
	case eventTypeError:
		if l.OnError != nil {
			l.OnError(fmt.Errorf("agent error: %s", strings.TrimSpace(e.ErrMessage)))
		}
	default:
		if l.OnTransportEvent != nil {
			l.OnTransportEvent(TransportEvent{Type: e.Type})
		}
	}
}

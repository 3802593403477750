package realtime

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"testing"
)

func TestItemIdentityPrefersItemID(t *testing.T) {
	t.Parallel()

	item := Item{ItemID: " item_7 ", ID: "msg_7"}
	if got := item.Identity(); got != "item_7" {
		t.Fatalf("identity=%q, want %q", got, "item_7")
	}
	item = Item{ID: "msg_7"}
	if got := item.Identity(); got != "msg_7" {
		t.Fatalf("identity=%q, want %q", got, "msg_7")
	}
	if got := (Item{}).Identity(); got != "" {
		t.Fatalf("identity=%q, want empty", got)
	}
}

func TestItemUnmarshalContentShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  string
		wantText string
		wantPart string
	}{
		{
			name:     "string content",
			payload:  `{"item_id":"a","type":"message","role":"user","content":"plain words"}`,
			wantText: "plain words",
		},
		{
			name:     "structured content",
			payload:  `{"item_id":"b","type":"message","role":"assistant","content":[{"type":"output_text","text":"structured words"}]}`,
			wantPart: "structured words",
		},
		{
			name:    "null content",
			payload: `{"item_id":"c","type":"message","role":"assistant","content":null}`,
		},
		{
			name:    "absent content",
			payload: `{"item_id":"d","type":"message","role":"assistant"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var item Item
			if err := item.UnmarshalJSON([]byte(tc.payload)); err != nil {
				t.Fatalf("unmarshal error: %v", err)
			}
			if item.Text != tc.wantText {
				t.Fatalf("text=%q, want %q", item.Text, tc.wantText)
			}
			if tc.wantPart != "" {
				if len(item.Parts) != 1 || item.Parts[0].Text != tc.wantPart {
					t.Fatalf("parts=%+v, want one part %q", item.Parts, tc.wantPart)
				}
			}
		})
	}
}

func TestItemUnmarshalRejectsObjectContent(t *testing.T) {
	t.Parallel()

	var item Item
	err := item.UnmarshalJSON([]byte(`{"item_id":"x","type":"message","content":{"nested":true}}`))
	if err == nil {
		t.Fatalf("expected error for object content")
	}
}

func TestDecodeAgentEvent(t *testing.T) {
	t.Parallel()

	event, err := decodeAgentEvent([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if event.Transcript != "hello" {
		t.Fatalf("transcript=%q, want %q", event.Transcript, "hello")
	}

	event, err = decodeAgentEvent([]byte(`{"type":"conversation.item.added","item":{"item_id":"i1","type":"message","role":"assistant","content":[{"type":"output_text","text":"hi"}]}}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if event.Item == nil || event.Item.Identity() != "i1" {
		t.Fatalf("item=%+v, want identity i1", event.Item)
	}

	event, err = decodeAgentEvent([]byte(`{"type":"response.done","response":{"output":[{"id":"o1","type":"message","content":"done words"}]}}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(event.Output) != 1 || event.Output[0].Text != "done words" {
		t.Fatalf("output=%+v, want one item with text", event.Output)
	}

	event, err = decodeAgentEvent([]byte(`{"type":"conversation.history.updated","items":[{"item_id":"h1","type":"message"},{"item_id":"h2","type":"message"}]}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(event.Items) != 2 {
		t.Fatalf("items=%d, want 2", len(event.Items))
	}

	event, err = decodeAgentEvent([]byte(`{"type":"error","error":{"message":"boom"}}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if event.ErrMessage != "boom" {
		t.Fatalf("error message=%q, want %q", event.ErrMessage, "boom")
	}

	if _, err := decodeAgentEvent([]byte(`{"no_type":true}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestDecodeAgentEventUnknownTypePassesThrough(t *testing.T) {
	t.Parallel()

	event, err := decodeAgentEvent([]byte(`{"type":"output_audio_buffer.started"}`))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	var got string
	event.dispatch(Listeners{OnTransportEvent: func(e TransportEvent) { got = e.Type }})
	if got != "output_audio_buffer.started" {
		t.Fatalf("dispatched type=%q", got)
	}
}

func TestAudioDeltaDecodesAndDispatches(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0xff, 0x00}
	for _, typ := range []string{"response.output_audio.delta", "response.audio.delta"} {
		payload := fmt.Sprintf(`{"type":%q,"delta":%q}`, typ, base64.StdEncoding.EncodeToString(pcm))
		event, err := decodeAgentEvent([]byte(payload))
		if err != nil {
			t.Fatalf("decode %s error: %v", typ, err)
		}
		var got []byte
		event.dispatch(Listeners{OnAudio: func(frame []byte) { got = frame }})
		if !bytes.Equal(got, pcm) {
			t.Fatalf("dispatched audio=%v, want %v", got, pcm)
		}
	}

	if _, err := decodeAgentEvent([]byte(`{"type":"response.output_audio.delta","delta":"not*base64"}`)); err == nil {
		t.Fatalf("expected error for malformed audio payload")
	}
}

func TestDispatchRoutesErrorEvents(t *testing.T) {
	t.Parallel()

	event := agentEvent{Type: eventTypeError, ErrMessage: "credential expired"}
	var got error
	event.dispatch(Listeners{OnError: func(err error) { got = err }})
	if got == nil {
		t.Fatalf("error listener not invoked")
	}
}

func TestTextFromItem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item Item
		want string
	}{
		{
			name: "first matching part wins",
			item: Item{Parts: []ContentPart{
				{Type: "audio"},
				{Type: "output_text", Text: "spoken"},
				{Type: "text", Text: "later"},
			}},
			want: "spoken",
		},
		{
			name: "transcript fallback within part",
			item: Item{Parts: []ContentPart{{Type: "input_text", Transcript: "heard"}}},
			want: "heard",
		},
		{
			name: "plain string content",
			item: Item{Text: "just words"},
			want: "just words",
		},
		{
			name: "no extractable text",
			item: Item{Parts: []ContentPart{{Type: "audio"}}},
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := textFromItem(tc.item); got != tc.want {
				t.Fatalf("text=%q, want %q", got, tc.want)
			}
		})
	}
}

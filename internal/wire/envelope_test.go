package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := SendMessagePayload{ChatID: uuid.New(), Content: "hello"}
	data, err := Encode(TypeSendMessage, payload, "req-1")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	envelopes, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}
	if envelopes[0].Type != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, envelopes[0].Type)
	}
	if envelopes[0].RequestID != "req-1" {
		t.Fatalf("expected request_id req-1, got %q", envelopes[0].RequestID)
	}

	var got SendMessagePayload
	if err := json.Unmarshal(envelopes[0].Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Fatalf("payload round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMultipleEnvelopesPerFrame(t *testing.T) {
	one, _ := Encode(TypeTypingStart, TypingPayload{ChatID: uuid.New()}, "")
	two, _ := Encode(TypeTypingStop, TypingPayload{ChatID: uuid.New()}, "")
	raw := append(append(append([]byte{}, one...), '\n'), two...)

	envelopes, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envelopes))
	}
	if envelopes[0].Type != TypeTypingStart || envelopes[1].Type != TypeTypingStop {
		t.Fatalf("unexpected envelope order: %+v", envelopes)
	}
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	one, _ := Encode(TypePing, struct{}{}, "")
	raw := append(append([]byte("\n\n"), one...), []byte("\n\n")...)

	envelopes, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"taskmatch/internal/domain"
)

func TestEnvelopeKeepsVariantAcrossWire(t *testing.T) {
	in := Envelope{
		Seq:  42,
		From: 3,
		To:   4,
		Body: MoveSubtree{Root: 3, IntoForest: true, Slots: []domain.SlotID{1, 5}},
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	body, ok := out.Body.(MoveSubtree)
	if !ok {
		t.Fatalf("decoded body has type %T", out.Body)
	}
	if out.Seq != 42 || out.From != 3 || out.To != 4 {
		t.Fatalf("unexpected header %+v", out)
	}
	if body.Root != 3 || !body.IntoForest || len(body.Slots) != 2 || body.Slots[1] != 5 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestEmptyVariantDecodes(t *testing.T) {
	raw, err := json.Marshal(Envelope{From: 1, To: 0, Body: NewRound{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind() != KindNewRound {
		t.Fatalf("kind %q", out.Kind())
	}
}

func TestUnknownKindRejected(t *testing.T) {
	var out Envelope
	err := json.Unmarshal([]byte(`{"seq":1,"from":0,"to":1,"kind":"BOGUS","payload":{}}`), &out)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestEmptyReduceToken(t *testing.T) {
	tok := ReduceToken{Slot: domain.NoSlot, Agent: domain.NoAgent}
	if !tok.Empty() {
		t.Fatalf("token without slot must be empty")
	}
}

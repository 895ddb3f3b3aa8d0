package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"taskmatch/internal/domain"
)

var ErrUnknownKind = errors.New("unknown message kind")

type wireEnvelope struct {
	Seq     uint64          `json:"seq"`
	From    domain.AgentID  `json:"from"`
	To      domain.AgentID  `json:"to"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Body == nil {
		return nil, fmt.Errorf("marshal envelope: empty body")
	}
	payload, err := json.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Body.Kind(), err)
	}
	return json.Marshal(wireEnvelope{
		Seq:     e.Seq,
		From:    e.From,
		To:      e.To,
		Kind:    e.Body.Kind(),
		Payload: payload,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	body, err := decodeBody(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	e.Seq = w.Seq
	e.From = w.From
	e.To = w.To
	e.Body = body
	return nil
}

func decodeBody(kind Kind, payload json.RawMessage) (Message, error) {
	switch kind {
	case KindReduce:
		return decodeAs[ReduceToken](kind, payload)
	case KindDualReport:
		return decodeAs[DualReport](kind, payload)
	case KindAugment:
		return decodeAs[Augment](kind, payload)
	case KindAdopt:
		return decodeAs[Adopt](kind, payload)
	case KindUnlink:
		return decodeAs[Unlink](kind, payload)
	case KindUnlinked:
		return decodeAs[Unlinked](kind, payload)
	case KindAttachChild:
		return decodeAs[AttachChild](kind, payload)
	case KindAttached:
		return decodeAs[Attached](kind, payload)
	case KindClaim:
		return decodeAs[Claim](kind, payload)
	case KindPathDone:
		return decodeAs[PathDone](kind, payload)
	case KindMoveSubtree:
		return decodeAs[MoveSubtree](kind, payload)
	case KindSlotsMoved:
		return decodeAs[SlotsMoved](kind, payload)
	case KindNewRound:
		return decodeAs[NewRound](kind, payload)
	case KindValidate:
		return decodeAs[Validate](kind, payload)
	case KindVerifyLink:
		return decodeAs[VerifyLink](kind, payload)
	case KindVerifyAck:
		return decodeAs[VerifyAck](kind, payload)
	case KindCollect:
		return decodeAs[Collect](kind, payload)
	case KindRefine:
		return decodeAs[Refine](kind, payload)
	case KindFinish:
		return decodeAs[Finish](kind, payload)
	case KindStop:
		return decodeAs[Stop](kind, payload)
	case KindPing:
		return decodeAs[Ping](kind, payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeAs[T Message](kind Kind, payload json.RawMessage) (Message, error) {
	var body T
	if len(payload) == 0 || string(payload) == "null" {
		return body, nil
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
	}
	return body, nil
}

package matching

import (
	"fmt"
	"math"

	"taskmatch/internal/domain"
	"taskmatch/internal/protocol"
)

// Validation lap: the token visits every agent; each one checks itself and
// then asks father, older sibling, younger sibling and son in turn to
// confirm the reciprocal link before passing the token on.

func (e *Engine) beginValidation(final bool) error {
	e.openLap = protocol.KindValidate
	return e.validateHere(protocol.Validate{Origin: e.agent.ID, Final: final})
}

func (e *Engine) handleValidate(tok protocol.Validate) error {
	if tok.Origin == e.agent.ID {
		if e.openLap != protocol.KindValidate {
			return violation(e.agent.ID, "validate", "lap returned without being started")
		}
		e.openLap = ""
		e.emit("validated", "family links consistent", map[string]any{"round": e.round, "final": tok.Final})
		if tok.Final {
			e.out.Done = true
			return nil
		}
		return e.startReduce()
	}
	return e.validateHere(tok)
}

func (e *Engine) validateHere(tok protocol.Validate) error {
	a := e.agent
	if e.pending.kind != pendingNone {
		return violation(a.ID, "validate", "repair still in progress during validation")
	}
	if err := a.CheckLinks(); err != nil {
		return err
	}
	if err := a.CheckDuals(e.cfg.Epsilon); err != nil {
		return err
	}
	v := &verification{token: tok}
	if a.Father.Valid() {
		v.queue = append(v.queue, protocol.RelationFather)
	}
	if a.Older.Valid() {
		v.queue = append(v.queue, protocol.RelationOlder)
	}
	if a.Younger.Valid() {
		v.queue = append(v.queue, protocol.RelationYounger)
	}
	if a.Son.Valid() {
		v.queue = append(v.queue, protocol.RelationSon)
	}
	e.verify = v
	e.verifyNext()
	return nil
}

func (e *Engine) verifyNext() {
	a := e.agent
	v := e.verify
	if len(v.queue) == 0 {
		e.verify = nil
		e.send(e.next(), v.token)
		return
	}
	rel := v.queue[0]
	req := protocol.VerifyLink{
		Relation: rel,
		Father:   a.Father,
		Slot:     a.FatherSlot,
		Eldest:   !a.Older.Valid(),
		InForest: a.InF2,
	}
	e.send(e.linkOf(rel), req)
}

func (e *Engine) linkOf(rel protocol.Relation) domain.AgentID {
	a := e.agent
	switch rel {
	case protocol.RelationFather:
		return a.Father
	case protocol.RelationOlder:
		return a.Older
	case protocol.RelationYounger:
		return a.Younger
	case protocol.RelationSon:
		return a.Son
	}
	return domain.NoAgent
}

// handleVerifyLink answers a neighbour claiming that this agent stands in
// msg.Relation to it.
func (e *Engine) handleVerifyLink(from domain.AgentID, msg protocol.VerifyLink) error {
	detail := e.checkRelation(from, msg)
	e.send(from, protocol.VerifyAck{Relation: msg.Relation, OK: detail == "", Detail: detail})
	return nil
}

func (e *Engine) checkRelation(from domain.AgentID, msg protocol.VerifyLink) string {
	a := e.agent
	switch msg.Relation {
	case protocol.RelationFather:
		if a.Father == from {
			return fmt.Sprintf("%d and %d are each other's father", a.ID, from)
		}
		if msg.Eldest && a.Son != from {
			return fmt.Sprintf("eldest child %d but my son is %s", from, a.Son)
		}
		if !msg.Eldest && (!a.Son.Valid() || a.Son == from) {
			return fmt.Sprintf("younger child %d but my son is %s", from, a.Son)
		}
		if !a.Capable(msg.Slot) {
			return fmt.Sprintf("child %d bound by slot %s I cannot take", from, msg.Slot)
		}
		if v := a.Slack(msg.Slot); math.Abs(v) > e.cfg.Epsilon {
			return fmt.Sprintf("tree edge to slot %d has slack %.9f", msg.Slot, v)
		}
		if a.InF2 != msg.InForest {
			return fmt.Sprintf("child %d forest membership %t differs from mine %t", from, msg.InForest, a.InF2)
		}
	case protocol.RelationOlder:
		if a.Younger != from || a.Father != msg.Father {
			return fmt.Sprintf("older sibling of %d has younger=%s father=%s", from, a.Younger, a.Father)
		}
	case protocol.RelationYounger:
		if a.Older != from || a.Father != msg.Father {
			return fmt.Sprintf("younger sibling of %d has older=%s father=%s", from, a.Older, a.Father)
		}
	case protocol.RelationSon:
		if a.Father != from || a.Older.Valid() {
			return fmt.Sprintf("son of %d has father=%s older=%s", from, a.Father, a.Older)
		}
	default:
		return fmt.Sprintf("unknown relation %d", msg.Relation)
	}
	return ""
}

func (e *Engine) handleVerifyAck(from domain.AgentID, ack protocol.VerifyAck) error {
	a := e.agent
	v := e.verify
	if v == nil || len(v.queue) == 0 || v.queue[0] != ack.Relation || e.linkOf(ack.Relation) != from {
		return violation(a.ID, "verify", "unexpected %s acknowledgement from %d", ack.Relation, from)
	}
	if !ack.OK {
		return violation(a.ID, "verify", "%s link to %d rejected: %s", ack.Relation, from, ack.Detail)
	}
	v.queue = v.queue[1:]
	e.verifyNext()
	return nil
}

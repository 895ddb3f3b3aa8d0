package matching

import (
	"taskmatch/internal/domain"
	"taskmatch/internal/protocol"
)

// Family repair. An agent changing place in the forest first unlinks from
// its father's son/sibling chain, then attaches as the youngest son of its
// new father; what happens next is kept in e.pending until the Attached or
// Unlinked answer comes back.

func (e *Engine) handleAdopt(msg protocol.Adopt) error {
	a := e.agent
	const op = "adopt"
	if a.InF2 {
		return violation(a.ID, op, "holder of frontier slot %d is already in an open tree", msg.Slot)
	}
	if a.Match != msg.Slot {
		return violation(a.ID, op, "asked to move with slot %d but matched to %s", msg.Slot, a.Match)
	}
	if msg.Parent == a.ID || msg.Parent == a.Son {
		return violation(a.ID, op, "adoption by %d would close a cycle", msg.Parent)
	}
	if e.pending.kind != pendingNone {
		return violation(a.ID, op, "repair already in progress")
	}
	e.pending = pending{kind: pendingAdopt, father: msg.Parent, slot: msg.Slot}
	return e.relocate()
}

// handleClaim runs one step of an augmenting path flip: take the claimed
// slot, move under the sender and pass the previous match on to the former
// father.
func (e *Engine) handleClaim(from domain.AgentID, msg protocol.Claim) error {
	a := e.agent
	const op = "claim"
	if !a.InF2 {
		return violation(a.ID, op, "augmenting path left the open tree at slot %d", msg.Slot)
	}
	if !a.Capable(msg.Slot) {
		return violation(a.ID, op, "cannot take slot %d", msg.Slot)
	}
	if e.pending.kind != pendingNone {
		return violation(a.ID, op, "repair already in progress")
	}
	old := a.Match
	if !a.Father.Valid() && old.Valid() {
		return violation(a.ID, op, "matched agent roots an open tree")
	}
	if a.Father.Valid() && !old.Valid() {
		return violation(a.ID, op, "free agent has a father")
	}
	a.Match = msg.Slot
	e.pending = pending{
		kind:     pendingClaim,
		father:   from,
		slot:     msg.Slot,
		next:     a.Father,
		nextSlot: old,
		root:     msg.Root,
	}
	return e.relocate()
}

func (e *Engine) handlePathDone() error {
	a := e.agent
	if a.Father.Valid() || !a.InF2 {
		return violation(a.ID, "path done", "only the root of an open tree can close it")
	}
	e.emit("tree_closed", "augmenting path flipped", map[string]any{"root": int(a.ID), "slot": int(a.Match)})
	return e.startMove(false)
}

func (e *Engine) relocate() error {
	if e.agent.Father.Valid() {
		return e.startUnlink()
	}
	e.startAttach()
	return nil
}

func (e *Engine) startUnlink() error {
	a := e.agent
	msg := protocol.Unlink{Child: a.ID, Father: a.Father, Older: a.Older, Younger: a.Younger}
	if a.Older.Valid() {
		e.send(a.Older, msg)
	} else {
		e.send(a.Father, msg)
	}
	return nil
}

func (e *Engine) handleUnlink(msg protocol.Unlink) error {
	a := e.agent
	const op = "unlink"
	switch {
	case a.ID == msg.Older:
		if a.Younger != msg.Child || a.Father != msg.Father {
			return violation(a.ID, op, "agent %d is not my younger sibling under %d", msg.Child, msg.Father)
		}
		a.Younger = msg.Younger
	case a.ID == msg.Father && !msg.Older.Valid():
		if a.Son != msg.Child {
			return violation(a.ID, op, "agent %d is not my eldest son (son=%s)", msg.Child, a.Son)
		}
		a.Son = msg.Younger
	case a.ID == msg.Younger:
		if a.Older != msg.Child || a.Father != msg.Father {
			return violation(a.ID, op, "agent %d is not my older sibling under %d", msg.Child, msg.Father)
		}
		a.Older = msg.Older
		e.send(msg.Child, protocol.Unlinked{})
		return nil
	default:
		return violation(a.ID, op, "unlink of %d routed to unrelated agent", msg.Child)
	}
	if msg.Younger.Valid() {
		e.send(msg.Younger, msg)
	} else {
		e.send(msg.Child, protocol.Unlinked{})
	}
	return nil
}

func (e *Engine) handleUnlinked() error {
	a := e.agent
	p := e.pending
	if p.kind == pendingNone {
		return violation(a.ID, "unlinked", "no detach in progress")
	}
	a.Father = domain.NoAgent
	a.FatherSlot = domain.NoSlot
	a.Older = domain.NoAgent
	a.Younger = domain.NoAgent

	if p.kind == pendingReroot {
		e.pending = pending{}
		e.send(p.next, protocol.Claim{Slot: p.nextSlot, Root: a.ID})
		return nil
	}
	e.startAttach()
	return nil
}

func (e *Engine) startAttach() {
	a := e.agent
	p := e.pending
	e.send(p.father, protocol.AttachChild{Child: a.ID, Father: p.father, Slot: p.slot})
}

// handleAttachChild attaches as only child when the father has no son, and
// otherwise walks the sibling chain to append a youngest sibling.
func (e *Engine) handleAttachChild(msg protocol.AttachChild) error {
	a := e.agent
	const op = "attach"
	if msg.Child == a.ID || msg.Child == a.Father {
		return violation(a.ID, op, "attaching %d here would close a cycle", msg.Child)
	}
	if a.ID == msg.Father {
		if !a.Capable(msg.Slot) {
			return violation(a.ID, op, "child %d bound by slot %d I cannot take", msg.Child, msg.Slot)
		}
		if !a.Son.Valid() {
			a.Son = msg.Child
			e.send(msg.Child, protocol.Attached{Father: a.ID, Older: domain.NoAgent})
			return nil
		}
		e.send(a.Son, msg)
		return nil
	}
	if a.Father != msg.Father {
		return violation(a.ID, op, "sibling walk for %d reached agent with father %s", msg.Father, a.Father)
	}
	if !a.Younger.Valid() {
		a.Younger = msg.Child
		e.send(msg.Child, protocol.Attached{Father: msg.Father, Older: a.ID})
		return nil
	}
	e.send(a.Younger, msg)
	return nil
}

func (e *Engine) handleAttached(msg protocol.Attached) error {
	a := e.agent
	p := e.pending
	if p.kind != pendingAdopt && p.kind != pendingClaim {
		return violation(a.ID, "attached", "no attach in progress")
	}
	if msg.Father != p.father {
		return violation(a.ID, "attached", "attached under %d, expected %d", msg.Father, p.father)
	}
	a.Father = msg.Father
	a.FatherSlot = p.slot
	a.Older = msg.Older
	a.Younger = domain.NoAgent
	e.pending = pending{}

	if p.kind == pendingAdopt {
		return e.startMove(true)
	}
	if p.next.Valid() {
		e.send(p.next, protocol.Claim{Slot: p.nextSlot, Root: p.root})
		return nil
	}
	// Free root reached: the path is flipped.
	e.send(p.root, protocol.PathDone{})
	return nil
}

// startMove begins the depth-first membership move of this agent's subtree.
func (e *Engine) startMove(intoForest bool) error {
	return e.handleMove(protocol.MoveSubtree{Root: e.agent.ID, IntoForest: intoForest})
}

func (e *Engine) handleMove(msg protocol.MoveSubtree) error {
	a := e.agent
	if !msg.Ascend {
		a.InF2 = msg.IntoForest
		if a.Match.Valid() {
			msg.Slots = append(msg.Slots, a.Match)
			a.InF1[a.Match] = !msg.IntoForest
		} else if !msg.IntoForest {
			return violation(a.ID, "move subtree", "free agent leaving the forest")
		}
		if a.Son.Valid() {
			e.send(a.Son, msg)
			return nil
		}
	}
	// Subtree below this agent is done.
	switch {
	case a.ID == msg.Root:
		return e.finishMove(msg)
	case a.Younger.Valid():
		msg.Ascend = false
		e.send(a.Younger, msg)
	case a.Father.Valid():
		msg.Ascend = true
		e.send(a.Father, msg)
	default:
		return violation(a.ID, "move subtree", "walk from %d escaped its tree", msg.Root)
	}
	return nil
}

func (e *Engine) finishMove(msg protocol.MoveSubtree) error {
	a := e.agent
	a.SetSlots(msg.Slots, msg.IntoForest)
	e.emit("subtree_moved", "forest membership changed", map[string]any{
		"root":        int(a.ID),
		"into_forest": msg.IntoForest,
		"slots":       len(msg.Slots),
	})
	e.openLap = protocol.KindSlotsMoved
	e.send(e.next(), protocol.SlotsMoved{Origin: a.ID, IntoForest: msg.IntoForest, Slots: msg.Slots})
	return nil
}

func (e *Engine) handleSlotsMoved(msg protocol.SlotsMoved) error {
	if msg.Origin == e.agent.ID {
		if e.openLap != protocol.KindSlotsMoved {
			return violation(e.agent.ID, "slots moved", "lap returned without being started")
		}
		e.openLap = ""
		if e.IsCoordinator() {
			return e.startRound()
		}
		e.send(e.cfg.Coordinator, protocol.NewRound{})
		return nil
	}
	e.agent.SetSlots(msg.Slots, msg.IntoForest)
	e.send(e.next(), msg)
	return nil
}

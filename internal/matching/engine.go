// Package matching runs Phase 1: a primal-dual minimum cost matching whose
// alternating forest is sharded across the agents and kept consistent by
// directed messages along family links.
//
// Exactly one Phase 1 message is in flight at any time. The coordinator
// drives rounds: a reduction lap finds the global minimum slack, a report
// lap applies the dual update, and a directed Augment hands control to the
// winning agent, which grows or flips its tree and finally returns control
// with NewRound.
package matching

import (
	"taskmatch/internal/domain"
	"taskmatch/internal/model"
	"taskmatch/internal/protocol"
)

type Config struct {
	Coordinator domain.AgentID
	RingSize    int
	// ValidateEvery is the number of rounds between validation laps. Zero
	// validates only when Phase 1 ends.
	ValidateEvery int
	Epsilon       float64
}

func (c Config) withDefaults() Config {
	if c.Epsilon <= 0 {
		c.Epsilon = model.Epsilon
	}
	if c.ValidateEvery < 0 {
		c.ValidateEvery = 0
	}
	return c
}

// Event is a protocol milestone worth keeping in the run log.
type Event struct {
	Action string
	Reason string
	Fields map[string]any
}

// Output is everything one handled message produced.
type Output struct {
	Messages []protocol.Envelope
	Events   []Event
	// Done is set on the coordinator once the final validation lap after
	// the last round returns.
	Done bool
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingAdopt
	pendingClaim
	pendingReroot
)

// pending remembers what an agent does once its detach/attach exchange
// completes.
type pending struct {
	kind pendingKind
	// new father and binding slot for adopt/claim
	father domain.AgentID
	slot   domain.SlotID
	// claim: where the flipped path continues
	next     domain.AgentID
	nextSlot domain.SlotID
	root     domain.AgentID
}

type verification struct {
	token protocol.Validate
	queue []protocol.Relation
}

type Engine struct {
	cfg   Config
	agent *Agent

	pending pending
	verify  *verification
	// openLap is the kind of ring lap this agent started and is waiting on.
	openLap protocol.Kind

	round   int
	lastTok protocol.ReduceToken
	out     Output
}

func NewEngine(agent *Agent, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if cfg.RingSize <= 0 {
		cfg.RingSize = len(agent.Costs)
	}
	return &Engine{
		cfg:   cfg,
		agent: agent,
	}
}

func (e *Engine) Agent() *Agent { return e.agent }

func (e *Engine) Round() int { return e.round }

func (e *Engine) IsCoordinator() bool { return e.agent.ID == e.cfg.Coordinator }

func (e *Engine) next() domain.AgentID {
	return domain.AgentID((int(e.agent.ID) + 1) % e.cfg.RingSize)
}

// Handles reports whether kind belongs to Phase 1.
func Handles(kind protocol.Kind) bool {
	switch kind {
	case protocol.KindReduce, protocol.KindDualReport, protocol.KindAugment,
		protocol.KindAdopt, protocol.KindUnlink, protocol.KindUnlinked,
		protocol.KindAttachChild, protocol.KindAttached, protocol.KindClaim,
		protocol.KindPathDone, protocol.KindMoveSubtree, protocol.KindSlotsMoved,
		protocol.KindNewRound, protocol.KindValidate, protocol.KindVerifyLink,
		protocol.KindVerifyAck:
		return true
	}
	return false
}

// Start opens round one on the coordinator. Other agents wait for messages.
func (e *Engine) Start() (Output, error) {
	e.out = Output{}
	if !e.IsCoordinator() {
		return e.flush(), nil
	}
	if err := e.startRound(); err != nil {
		return Output{}, err
	}
	return e.flush(), nil
}

func (e *Engine) Handle(env protocol.Envelope) (Output, error) {
	e.out = Output{}
	var err error
	switch msg := env.Body.(type) {
	case protocol.ReduceToken:
		err = e.handleReduce(msg)
	case protocol.DualReport:
		err = e.handleDualReport(msg)
	case protocol.Augment:
		err = e.handleAugment(msg)
	case protocol.NewRound:
		err = e.handleNewRound(env.From)
	case protocol.Adopt:
		err = e.handleAdopt(msg)
	case protocol.Unlink:
		err = e.handleUnlink(msg)
	case protocol.Unlinked:
		err = e.handleUnlinked()
	case protocol.AttachChild:
		err = e.handleAttachChild(msg)
	case protocol.Attached:
		err = e.handleAttached(msg)
	case protocol.Claim:
		err = e.handleClaim(env.From, msg)
	case protocol.PathDone:
		err = e.handlePathDone()
	case protocol.MoveSubtree:
		err = e.handleMove(msg)
	case protocol.SlotsMoved:
		err = e.handleSlotsMoved(msg)
	case protocol.Validate:
		err = e.handleValidate(msg)
	case protocol.VerifyLink:
		err = e.handleVerifyLink(env.From, msg)
	case protocol.VerifyAck:
		err = e.handleVerifyAck(env.From, msg)
	default:
		err = violation(e.agent.ID, "dispatch", "unexpected %s message from %d", env.Kind(), env.From)
	}
	if err != nil {
		return Output{}, err
	}
	return e.flush(), nil
}

func (e *Engine) flush() Output {
	out := e.out
	e.out = Output{}
	return out
}

func (e *Engine) send(to domain.AgentID, body protocol.Message) {
	e.out.Messages = append(e.out.Messages, protocol.Envelope{
		From: e.agent.ID,
		To:   to,
		Body: body,
	})
}

func (e *Engine) emit(action, reason string, fields map[string]any) {
	e.out.Events = append(e.out.Events, Event{Action: action, Reason: reason, Fields: fields})
}

func (e *Engine) startRound() error {
	e.round++
	if e.cfg.ValidateEvery > 0 && e.round > 1 && (e.round-1)%e.cfg.ValidateEvery == 0 {
		return e.beginValidation(false)
	}
	return e.startReduce()
}

func (e *Engine) startReduce() error {
	tok := e.offer(protocol.ReduceToken{Slot: domain.NoSlot, Agent: domain.NoAgent})
	e.openLap = protocol.KindReduce
	e.send(e.next(), tok)
	return nil
}

// offer folds this agent's own candidate into the reduction token.
func (e *Engine) offer(tok protocol.ReduceToken) protocol.ReduceToken {
	a := e.agent
	if !a.InF2 {
		return tok
	}
	tol := tieTolerance(e.cfg.Epsilon)
	delta, slot, ok := a.MinSlack(tol)
	if !ok {
		return tok
	}
	own := protocol.ReduceToken{Delta: delta, Slot: slot, Agent: a.ID}
	if preferred(own, tok, tol) {
		return own
	}
	return tok
}

func (e *Engine) handleReduce(tok protocol.ReduceToken) error {
	if e.openLap == protocol.KindReduce {
		e.openLap = ""
		return e.finishReduce(tok)
	}
	e.send(e.next(), e.offer(tok))
	return nil
}

func (e *Engine) finishReduce(tok protocol.ReduceToken) error {
	e.lastTok = tok
	if tok.Empty() {
		e.emit("phase1_converged", "reduction found no candidate", map[string]any{"round": e.round})
		return e.beginValidation(true)
	}
	if tok.Delta < -e.cfg.Epsilon {
		return violation(e.agent.ID, "reduce", "negative minimum slack %.9f", tok.Delta)
	}
	e.emit("round", "dual update", map[string]any{
		"round": e.round,
		"delta": tok.Delta,
		"slot":  int(tok.Slot),
		"agent": int(tok.Agent),
	})
	report := protocol.DualReport{Delta: tok.Delta, Slot: tok.Slot, Agent: tok.Agent, Holder: domain.NoAgent}
	report, err := e.applyReport(report)
	if err != nil {
		return err
	}
	e.openLap = protocol.KindDualReport
	e.send(e.next(), report)
	return nil
}

func (e *Engine) applyReport(r protocol.DualReport) (protocol.DualReport, error) {
	a := e.agent
	a.ApplyDual(r.Delta)
	if err := a.CheckDuals(e.cfg.Epsilon); err != nil {
		return r, err
	}
	if a.Match.Valid() && a.Match == r.Slot {
		if r.Holder.Valid() {
			return r, violation(a.ID, "dual report", "slot %d already held by %d", r.Slot, r.Holder)
		}
		r.Holder = a.ID
	}
	return r, nil
}

func (e *Engine) handleDualReport(r protocol.DualReport) error {
	if e.openLap == protocol.KindDualReport {
		e.openLap = ""
		e.send(r.Agent, protocol.Augment{Slot: r.Slot, Holder: r.Holder, Delta: r.Delta})
		return nil
	}
	r, err := e.applyReport(r)
	if err != nil {
		return err
	}
	e.send(e.next(), r)
	return nil
}

func (e *Engine) handleAugment(msg protocol.Augment) error {
	a := e.agent
	const op = "augment"
	if !a.InF2 {
		return violation(a.ID, op, "augmentation target is not in an open tree")
	}
	if !a.Capable(msg.Slot) || !a.InF1[msg.Slot] {
		return violation(a.ID, op, "slot %s is not a forest frontier slot", msg.Slot)
	}
	if v := a.Slack(msg.Slot); v > e.cfg.Epsilon || v < -e.cfg.Epsilon {
		return violation(a.ID, op, "edge to slot %d not tight after update, slack %.9f", msg.Slot, v)
	}
	if e.pending.kind != pendingNone {
		return violation(a.ID, op, "repair already in progress")
	}

	if msg.Holder.Valid() {
		if msg.Holder == a.ID {
			return violation(a.ID, op, "slot %d is already mine", msg.Slot)
		}
		e.emit("grow", "adopting holder of tight slot", map[string]any{"slot": int(msg.Slot), "holder": int(msg.Holder)})
		e.send(msg.Holder, protocol.Adopt{Slot: msg.Slot, Parent: a.ID})
		return nil
	}

	old := a.Match
	a.Match = msg.Slot
	e.emit("augment", "free slot reached", map[string]any{"slot": int(msg.Slot), "previous": int(old)})
	if !a.Father.Valid() {
		if old.Valid() {
			return violation(a.ID, op, "matched agent roots an open tree")
		}
		return e.startMove(false)
	}
	// Interior: become the root of the flipped tree and hand the old match
	// to the former father.
	e.pending = pending{kind: pendingReroot, next: a.Father, nextSlot: old}
	return e.startUnlink()
}

func (e *Engine) handleNewRound(from domain.AgentID) error {
	if !e.IsCoordinator() {
		return violation(e.agent.ID, "new round", "non-coordinator got new round from %d", from)
	}
	return e.startRound()
}

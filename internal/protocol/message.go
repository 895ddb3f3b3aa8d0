// Package protocol defines every message agents exchange. Each protocol
// step has its own struct; Envelope carries exactly one of them.
package protocol

import (
	"taskmatch/internal/domain"
)

type Kind string

const (
	KindReduce      Kind = "REDUCE"
	KindDualReport  Kind = "DUAL_REPORT"
	KindAugment     Kind = "AUGMENT"
	KindAdopt       Kind = "ADOPT"
	KindUnlink      Kind = "UNLINK"
	KindUnlinked    Kind = "UNLINKED"
	KindAttachChild Kind = "ATTACH_CHILD"
	KindAttached    Kind = "ATTACHED"
	KindClaim       Kind = "CLAIM"
	KindPathDone    Kind = "PATH_DONE"
	KindMoveSubtree Kind = "MOVE_SUBTREE"
	KindSlotsMoved  Kind = "SLOTS_MOVED"
	KindNewRound    Kind = "NEW_ROUND"
	KindValidate    Kind = "VALIDATE"
	KindVerifyLink  Kind = "VERIFY_LINK"
	KindVerifyAck   Kind = "VERIFY_ACK"
	KindCollect     Kind = "COLLECT"
	KindRefine      Kind = "REFINE"
	KindFinish      Kind = "FINISH"
	KindStop        Kind = "STOP"
	KindPing        Kind = "PING"
)

// Message is implemented by every protocol step.
type Message interface {
	Kind() Kind
}

// Envelope is one point-to-point delivery. Seq is the run-wide message
// count at the time of sending.
type Envelope struct {
	Seq  uint64
	From domain.AgentID
	To   domain.AgentID
	Body Message
}

func (e Envelope) Kind() Kind {
	if e.Body == nil {
		return ""
	}
	return e.Body.Kind()
}

// ReduceToken accumulates the global minimum slack around the ring.
type ReduceToken struct {
	Delta float64        `json:"delta"`
	Slot  domain.SlotID  `json:"slot"`
	Agent domain.AgentID `json:"agent"`
}

// Empty reports that no forest agent has offered a candidate yet.
func (r ReduceToken) Empty() bool { return !r.Slot.Valid() }

// DualReport broadcasts the reduction result so every agent applies the
// dual update; the agent matched to Slot writes itself into Holder.
type DualReport struct {
	Delta  float64        `json:"delta"`
	Slot   domain.SlotID  `json:"slot"`
	Agent  domain.AgentID `json:"agent"`
	Holder domain.AgentID `json:"holder"`
}

// Augment tells the winning agent to take Slot.
type Augment struct {
	Slot   domain.SlotID  `json:"slot"`
	Holder domain.AgentID `json:"holder"`
	Delta  float64        `json:"delta"`
}

// Adopt asks the holder of Slot to join Parent's tree as its child.
type Adopt struct {
	Slot   domain.SlotID  `json:"slot"`
	Parent domain.AgentID `json:"parent"`
}

// Unlink removes Child from its father's son/sibling chain. It visits the
// older sibling (or the father when Child is eldest), then the younger
// sibling, then answers Child with Unlinked.
type Unlink struct {
	Child   domain.AgentID `json:"child"`
	Father  domain.AgentID `json:"father"`
	Older   domain.AgentID `json:"older"`
	Younger domain.AgentID `json:"younger"`
}

type Unlinked struct{}

// AttachChild appends Child as the youngest son of Father, bound by Slot.
// It goes to Father first and then walks the sibling chain.
type AttachChild struct {
	Child  domain.AgentID `json:"child"`
	Father domain.AgentID `json:"father"`
	Slot   domain.SlotID  `json:"slot"`
}

type Attached struct {
	Father domain.AgentID `json:"father"`
	Older  domain.AgentID `json:"older"`
}

// Claim hands Slot to the receiving agent during an augmenting path flip.
// Root is the agent that will root the flipped tree.
type Claim struct {
	Slot domain.SlotID  `json:"slot"`
	Root domain.AgentID `json:"root"`
}

type PathDone struct{}

// MoveSubtree walks the subtree under Root depth first and sets forest
// membership. Ascend marks a hop returning from a finished subtree.
type MoveSubtree struct {
	Root       domain.AgentID  `json:"root"`
	IntoForest bool            `json:"into_forest"`
	Ascend     bool            `json:"ascend"`
	Slots      []domain.SlotID `json:"slots"`
}

// SlotsMoved circulates the ring so every replica updates slot membership.
type SlotsMoved struct {
	Origin     domain.AgentID  `json:"origin"`
	IntoForest bool            `json:"into_forest"`
	Slots      []domain.SlotID `json:"slots"`
}

type NewRound struct{}

// Validate is the ring token of a family consistency lap. Final marks the
// lap that closes Phase 1.
type Validate struct {
	Origin domain.AgentID `json:"origin"`
	Final  bool           `json:"final"`
}

type Relation int

const (
	RelationFather Relation = iota
	RelationOlder
	RelationYounger
	RelationSon
)

func (r Relation) String() string {
	switch r {
	case RelationFather:
		return "father"
	case RelationOlder:
		return "older"
	case RelationYounger:
		return "younger"
	case RelationSon:
		return "son"
	}
	return "unknown"
}

// VerifyLink asks the receiver to confirm it stands in Relation to the
// sender. Father is the sender's father; Slot its binding slot.
type VerifyLink struct {
	Relation Relation       `json:"relation"`
	Father   domain.AgentID `json:"father"`
	Slot     domain.SlotID  `json:"slot"`
	Eldest   bool           `json:"eldest"`
	InForest bool           `json:"in_forest"`
}

type VerifyAck struct {
	Relation Relation `json:"relation"`
	OK       bool     `json:"ok"`
	Detail   string   `json:"detail,omitempty"`
}

// Collect gathers the Phase 1 matching into the assignment table.
type Collect struct {
	Entries []domain.Entry  `json:"entries"`
	Slots   []domain.SlotID `json:"slots"`
}

// Refine is the Phase 2 token; Unchanged counts consecutive agents that
// kept their task.
type Refine struct {
	Entries   []domain.Entry `json:"entries"`
	Unchanged int            `json:"unchanged"`
}

type Finish struct {
	Origin  domain.AgentID `json:"origin"`
	Entries []domain.Entry `json:"entries"`
}

type Stop struct {
	Origin domain.AgentID `json:"origin"`
	Reason string         `json:"reason"`
	Fatal  bool           `json:"fatal"`
}

type Ping struct {
	Origin domain.AgentID `json:"origin"`
	Hops   int            `json:"hops"`
}

func (ReduceToken) Kind() Kind { return KindReduce }
func (DualReport) Kind() Kind  { return KindDualReport }
func (Augment) Kind() Kind     { return KindAugment }
func (Adopt) Kind() Kind       { return KindAdopt }
func (Unlink) Kind() Kind      { return KindUnlink }
func (Unlinked) Kind() Kind    { return KindUnlinked }
func (AttachChild) Kind() Kind { return KindAttachChild }
func (Attached) Kind() Kind    { return KindAttached }
func (Claim) Kind() Kind       { return KindClaim }
func (PathDone) Kind() Kind    { return KindPathDone }
func (MoveSubtree) Kind() Kind { return KindMoveSubtree }
func (SlotsMoved) Kind() Kind  { return KindSlotsMoved }
func (NewRound) Kind() Kind    { return KindNewRound }
func (Validate) Kind() Kind    { return KindValidate }
func (VerifyLink) Kind() Kind  { return KindVerifyLink }
func (VerifyAck) Kind() Kind   { return KindVerifyAck }
func (Collect) Kind() Kind     { return KindCollect }
func (Refine) Kind() Kind      { return KindRefine }
func (Finish) Kind() Kind      { return KindFinish }
func (Stop) Kind() Kind        { return KindStop }
func (Ping) Kind() Kind        { return KindPing }

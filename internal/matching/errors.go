package matching

import (
	"errors"
	"fmt"

	"taskmatch/internal/domain"
)

var ErrProtocolViolation = errors.New("protocol invariant violated")

// ProtocolError reports a broken protocol invariant. It is never caused by
// input data; the run loop treats it as fatal for the whole ring.
type ProtocolError struct {
	Agent  domain.AgentID
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("agent %d: %s: %s", e.Agent, e.Op, e.Detail)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

func violation(agent domain.AgentID, op, format string, args ...any) error {
	return &ProtocolError{Agent: agent, Op: op, Detail: fmt.Sprintf(format, args...)}
}

package transaction

import (
	"fmt"
	"sync"
)

// TxState is the externally observable progress of a transaction.
type TxState int

const (
	TxStateUnknown TxState = iota
	TxStateStarted
	TxStateWaitingStart
	TxStateWaitingCCCommit
	TxStateCommittable
	TxStateWaitingDurable
	TxStateDurable
	TxStateAborted
)

func (s TxState) String() string {
	switch s {
	case TxStateStarted:
		return "STARTED"
	case TxStateWaitingStart:
		return "WAITING_START"
	case TxStateWaitingCCCommit:
		return "WAITING_CC_COMMIT"
	case TxStateCommittable:
		return "COMMITTABLE"
	case TxStateWaitingDurable:
		return "WAITING_DURABLE"
	case TxStateDurable:
		return "DURABLE"
	case TxStateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("TxState(%d)", int(s))
}

// IsTerminal reports whether s can never change again.
func (s TxState) IsTerminal() bool {
	return s == TxStateDurable || s == TxStateAborted
}

// TxStateInput is what a state transition observes of the outside world.
type TxStateInput struct {
	GlobalEpoch  uint64
	DurableEpoch uint64
}

// NextTxState computes the state a poll moves to. serialEpoch is the valid epoch of a long transaction that has
// not committed yet, and the commit epoch once the transaction committed. Transitions driven by the protocol
// itself (commit, abort, waiting for other transactions) are not made here.
func NextTxState(state TxState, serialEpoch uint64, in TxStateInput) TxState {
	switch state {
	case TxStateWaitingStart:
		if in.GlobalEpoch >= serialEpoch {
			return TxStateStarted
		}
	case TxStateCommittable, TxStateWaitingDurable:
		if in.DurableEpoch >= serialEpoch {
			return TxStateDurable
		}
		return TxStateWaitingDurable
	}
	return state
}

// TxStateHandle names a state slot acquired by a session.
type TxStateHandle uint64

type txStateSlot struct {
	mu          sync.Mutex
	state       TxState
	serialEpoch uint64
	owner       *Session
}

func (s *txStateSlot) set(state TxState, serialEpoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if serialEpoch != 0 {
		s.serialEpoch = serialEpoch
	}
}

func (s *txStateSlot) poll(in TxStateInput) TxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = NextTxState(s.state, s.serialEpoch, in)
	return s.state
}

package state

// TransferState is the internal state of a transfer or FX transfer, stored
// by name in the state-change log.
type TransferState string

const (
	StateNone                    TransferState = ""
	StateReceivedPrepare         TransferState = "RECEIVED_PREPARE"
	StateReserved                TransferState = "RESERVED"
	StateReceivedFulfil          TransferState = "RECEIVED_FULFIL"
	StateReceivedFulfilDependent TransferState = "RECEIVED_FULFIL_DEPENDENT"
	StateReceivedReject          TransferState = "RECEIVED_REJECT"
	StateReceivedError           TransferState = "RECEIVED_ERROR"
	StateCommitted               TransferState = "COMMITTED"
	StateAbortedRejected         TransferState = "ABORTED_REJECTED"
	StateAbortedError            TransferState = "ABORTED_ERROR"
	StateReservedTimeout         TransferState = "RESERVED_TIMEOUT"
	StateExpiredReserved         TransferState = "EXPIRED_RESERVED"
	StateExpiredPrepared         TransferState = "EXPIRED_PREPARED"
	StateInvalid                 TransferState = "INVALID"
)

func (s TransferState) String() string {
	if s == StateNone {
		return "NONE"
	}
	return string(s)
}

// IsFinal reports whether no further transition can leave s.
func (s TransferState) IsFinal() bool {
	switch s {
	case StateCommitted, StateAbortedRejected, StateAbortedError,
		StateExpiredReserved, StateExpiredPrepared, StateInvalid:
		return true
	}
	return false
}

// External state reported to participants for an internal state.
func (s TransferState) External() string {
	switch s {
	case StateReceivedPrepare:
		return "RECEIVED"
	case StateReserved, StateReceivedFulfil, StateReceivedFulfilDependent,
		StateReceivedReject, StateReceivedError, StateReservedTimeout:
		return "RESERVED"
	case StateCommitted:
		return "COMMITTED"
	default:
		return "ABORTED"
	}
}

package types

import "fmt"

// StatusKind enumerates the variants of Status.
type StatusKind string

const (
	KindPending  StatusKind = "pending"
	KindSentBack StatusKind = "sent_back"
	KindApproved StatusKind = "approved"
	KindRejected StatusKind = "rejected"
)

// Status is the state of a flow instance. Level is set only for KindPending.
type Status struct {
	Kind  StatusKind `json:"kind"`
	Level int        `json:"level,omitempty"`
}

// PendingAtLevel returns the pending status for level n.
func PendingAtLevel(n int) Status { return Status{Kind: KindPending, Level: n} }

// SentBack returns the sent-back status.
func SentBack() Status { return Status{Kind: KindSentBack} }

// Approved returns the approved status.
func Approved() Status { return Status{Kind: KindApproved} }

// Rejected returns the rejected status.
func Rejected() Status { return Status{Kind: KindRejected} }

// IsTerminal reports whether the outcome is final. A sent-back instance is
// closed but not terminal: the subject may be resubmitted.
func (s Status) IsTerminal() bool {
	return s.Kind == KindApproved || s.Kind == KindRejected
}

// IsActive reports whether the instance is waiting on an approver.
func (s Status) IsActive() bool {
	return s.Kind == KindPending && s.Level > 0
}

func (s Status) String() string {
	if s.Kind == KindPending {
		return fmt.Sprintf("%s(%d)", s.Kind, s.Level)
	}
	return string(s.Kind)
}

// DisplayStatus is the denormalised status string written back to the subject record.
func DisplayStatus(s Status) string {
	switch s.Kind {
	case KindPending:
		return fmt.Sprintf("Pending for Approval (Level %d)", s.Level)
	case KindSentBack:
		return "Sent Back for Resubmission"
	case KindApproved:
		return "Approved"
	case KindRejected:
		return "Rejected"
	}
	return "Unknown"
}

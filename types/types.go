package types

import "fmt"

// Selection policies for resolving the approvers of a level.
const (
	SelectSpecificUser  = "specific_user"
	SelectAnyHolder     = "any_holder"
	SelectCrossApproval = "cross_approval"
)

// Approval control for levels with more than one resolved approver.
const (
	ControlAnyOne = "any_one"
	ControlAll    = "all"
)

// ApprovalType defines an approval chain for one category of subject.
type ApprovalType struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name" yaml:"name"`
	Levels []Level `json:"levels" yaml:"levels"`
}

// Level is one rung in an approval chain.
type Level struct {
	Sequence  int    `json:"sequence" yaml:"sequence"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Role      string `json:"role,omitempty" yaml:"role,omitempty"`
	UserID    string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Selection string `json:"selection,omitempty" yaml:"selection,omitempty"` // "specific_user", "any_holder", "cross_approval"
	Control   string `json:"control,omitempty" yaml:"control,omitempty"`     // "any_one" or "all"
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"` // evaluated per candidate approver
}

// SelectionPolicy returns the effective selection policy of the level.
func (l Level) SelectionPolicy() string {
	if l.Selection != "" {
		return l.Selection
	}
	if l.UserID != "" {
		return SelectSpecificUser
	}
	return SelectAnyHolder
}

// ControlPolicy returns the effective approval control of the level.
func (l Level) ControlPolicy() string {
	if l.Control == "" {
		return ControlAnyOne
	}
	return l.Control
}

// LastLevel returns the highest configured sequence.
func (t ApprovalType) LastLevel() int {
	return len(t.Levels)
}

// Level returns the level config for the given sequence.
func (t ApprovalType) Level(seq int) (Level, bool) {
	if seq < 1 || seq > len(t.Levels) {
		return Level{}, false
	}
	return t.Levels[seq-1], true
}

// Validate checks that levels are present and contiguous from 1..N.
func (t ApprovalType) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("approval type id cannot be empty")
	}
	if len(t.Levels) == 0 {
		return fmt.Errorf("approval type %s must have at least one level", t.ID)
	}
	for i, l := range t.Levels {
		if l.Sequence != i+1 {
			return fmt.Errorf("approval type %s: level at position %d has sequence %d, want %d", t.ID, i+1, l.Sequence, i+1)
		}
		switch l.SelectionPolicy() {
		case SelectSpecificUser:
			if l.UserID == "" {
				return fmt.Errorf("approval type %s: level %d selects a specific user but names none", t.ID, l.Sequence)
			}
		case SelectAnyHolder, SelectCrossApproval:
			if l.Role == "" {
				return fmt.Errorf("approval type %s: level %d has no approver role", t.ID, l.Sequence)
			}
		default:
			return fmt.Errorf("approval type %s: level %d has unknown selection %q", t.ID, l.Sequence, l.Selection)
		}
		switch l.ControlPolicy() {
		case ControlAnyOne, ControlAll:
		default:
			return fmt.Errorf("approval type %s: level %d has unknown control %q", t.ID, l.Sequence, l.Control)
		}
	}
	return nil
}

// Subject is the entity being approved.
type Subject struct {
	Ref         string                 `json:"ref"`
	Kind        string                 `json:"kind,omitempty"`  // e.g. "indent", "consignor_admin"
	Scope       string                 `json:"scope,omitempty"` // owning consignor or warehouse
	RequestedBy string                 `json:"requested_by,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
}

// Decision is the action an approver takes on a pending level.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionSendBack Decision = "send_back"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionSendBack:
		return true
	}
	return false
}

// TransitionRecord is one committed action on a flow instance.
type TransitionRecord struct {
	ID       string   `json:"id"`
	Level    int      `json:"level"`
	Decision Decision `json:"decision"`
	Actor    string   `json:"actor"`
	Remark   string   `json:"remark,omitempty"`
	From     Status   `json:"from"`
	To       Status   `json:"to"`
	At       int64    `json:"at"`
	Eligible []string `json:"eligible,omitempty"` // pending approvers when the action was taken
}

// FlowInstance is one approval cycle for one subject.
type FlowInstance struct {
	ID               uint64             `json:"id"`
	ApprovalTypeID   string             `json:"approval_type_id"`
	Subject          Subject            `json:"subject"`
	Cycle            int                `json:"cycle"`
	Status           Status             `json:"status"`
	PendingRole      string             `json:"pending_role,omitempty"`
	PendingApprovers []string           `json:"pending_approvers,omitempty"`
	ApprovedBy       []string           `json:"approved_by,omitempty"` // approvals collected at the current level
	ActionedBy       string             `json:"actioned_by,omitempty"`
	ActionedAt       int64              `json:"actioned_at,omitempty"`
	Remark           string             `json:"remark,omitempty"`
	Version          uint64             `json:"version"`
	History          []TransitionRecord `json:"history,omitempty"`
	CreatedAt        int64              `json:"created_at"`
	UpdatedAt        int64              `json:"updated_at"`
}

// IsPendingWith reports whether userID may act on the current level.
func (f FlowInstance) IsPendingWith(userID string) bool {
	if !f.Status.IsActive() {
		return false
	}
	for _, id := range f.PendingApprovers {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (f FlowInstance) Clone() FlowInstance {
	c := f
	c.PendingApprovers = append([]string(nil), f.PendingApprovers...)
	c.ApprovedBy = append([]string(nil), f.ApprovedBy...)
	c.History = append([]TransitionRecord(nil), f.History...)
	for i := range c.History {
		c.History[i].Eligible = append([]string(nil), c.History[i].Eligible...)
	}
	if f.Subject.Attributes != nil {
		c.Subject.Attributes = make(map[string]interface{}, len(f.Subject.Attributes))
		for k, v := range f.Subject.Attributes {
			c.Subject.Attributes[k] = v
		}
	}
	return c
}

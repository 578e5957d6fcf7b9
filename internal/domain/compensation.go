package domain

import "fmt"

// CompensationAction is an instruction that undoes or reports an external
// effect. Actions accumulate as stages succeed and run LIFO on failure.
// Variants: ReverseWithdrawal, RecreditTreasury, NotifyAdmin, AuditEntry.
type CompensationAction interface {
	Kind() string
	Describe() string
	isCompensation()
}

// ReverseWithdrawal returns a specific treasury withdrawal.
type ReverseWithdrawal struct {
	TxID    string
	Amount  int64
	TokenID string
}

// RecreditTreasury deposits an amount back without a transaction anchor.
type RecreditTreasury struct {
	Amount  int64
	TokenID string
	Reason  string
}

// Severity of an administrator notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NotifyAdmin asks a human to look at something the pipeline cannot undo.
type NotifyAdmin struct {
	Message  string
	Severity Severity
}

// AuditEntry records a fact in the audit log.
type AuditEntry struct {
	Message string
}

func (ReverseWithdrawal) Kind() string { return "reverse_withdrawal" }
func (RecreditTreasury) Kind() string  { return "recredit_treasury" }
func (NotifyAdmin) Kind() string       { return "notify_admin" }
func (AuditEntry) Kind() string        { return "audit_entry" }

func (a ReverseWithdrawal) Describe() string {
	return fmt.Sprintf("reverse withdrawal %s of %d", a.TxID, a.Amount)
}

func (a RecreditTreasury) Describe() string {
	return fmt.Sprintf("re-credit treasury with %d (%s)", a.Amount, a.Reason)
}

func (a NotifyAdmin) Describe() string {
	return fmt.Sprintf("notify admin [%s]: %s", a.Severity, a.Message)
}

func (a AuditEntry) Describe() string {
	return "audit: " + a.Message
}

func (ReverseWithdrawal) isCompensation() {}
func (RecreditTreasury) isCompensation()  {}
func (NotifyAdmin) isCompensation()       {}
func (AuditEntry) isCompensation()        {}

// CompensationStack holds actions most-recent-first.
type CompensationStack struct {
	actions []CompensationAction
}

func (s *CompensationStack) Push(a CompensationAction) {
	s.actions = append(s.actions, a)
}

func (s *CompensationStack) Len() int { return len(s.actions) }

// Drain returns the actions in LIFO order and empties the stack.
func (s *CompensationStack) Drain() []CompensationAction {
	out := make([]CompensationAction, 0, len(s.actions))
	for i := len(s.actions) - 1; i >= 0; i-- {
		out = append(out, s.actions[i])
	}
	s.actions = nil
	return out
}

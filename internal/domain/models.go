package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle position of a refund request.
type Status string

const (
	StatusRequested     Status = "requested"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusDenied        Status = "denied"
	StatusProcessing    Status = "processing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

var statusGraph = map[Status][]Status{
	StatusRequested:     {StatusPendingReview, StatusApproved, StatusDenied},
	StatusPendingReview: {StatusApproved, StatusDenied},
	StatusApproved:      {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing:    {StatusCompleted, StatusFailed},
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
// Completed, Failed and Denied have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range statusGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDenied
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusPendingReview, StatusApproved, StatusDenied,
		StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ProcessingState tracks a request inside the staged treasury pipeline.
type ProcessingState string

const (
	StatePending           ProcessingState = "pending"
	StateValidating        ProcessingState = "validating"
	StateWithdrawing       ProcessingState = "withdrawing"
	StateCrediting         ProcessingState = "crediting"
	StateFinalized         ProcessingState = "finalized"
	StateFailedCompensated ProcessingState = "failed_compensated"
	StateRetrying          ProcessingState = "retrying"
)

// Priority is a scheduling and observability hint.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// OriginType names the service whose transaction is being refunded.
type OriginType string

const (
	OriginPayment      OriginType = "payment"
	OriginEscrow       OriginType = "escrow"
	OriginPayout       OriginType = "payout"
	OriginSplitPayment OriginType = "split_payment"
	OriginSubscription OriginType = "subscription"
)

func (o OriginType) Valid() bool {
	switch o {
	case OriginPayment, OriginEscrow, OriginPayout, OriginSplitPayment, OriginSubscription:
		return true
	}
	return false
}

// CorrelationContext is one node of a trace tree. Children keep RootID of
// the operation that started the flow.
type CorrelationContext struct {
	ID            string    `json:"correlation_id"`
	ParentID      string    `json:"parent_id,omitempty"`
	RootID        string    `json:"root_id"`
	Operation     string    `json:"operation"`
	Initiator     string    `json:"initiator"`
	SourceService string    `json:"source_service"`
	TargetService string    `json:"target_service"`
	Depth         int       `json:"depth"`
	CreatedAt     time.Time `json:"created_at"`
}

// RefundRequest is the durable record of an intent to return value.
// Amount and Source are immutable after creation.
type RefundRequest struct {
	ID          int64        `json:"id"`
	OriginID    string       `json:"origin_id"`
	OriginType  OriginType   `json:"origin_type"`
	RequestedBy string       `json:"requested_by"`
	Amount      int64        `json:"amount"`
	TokenID     string       `json:"token_id,omitempty"`
	Source      RefundSource `json:"-"`
	Reason      string       `json:"reason,omitempty"`

	Status          Status          `json:"status"`
	ProcessingState ProcessingState `json:"processing_state,omitempty"`

	AdminPrincipal string `json:"admin_principal,omitempty"`
	AdminNote      string `json:"admin_note,omitempty"`

	TreasuryTxID  string `json:"treasury_transaction_id,omitempty"`
	SettlementRef string `json:"settlement_ref,omitempty"`
	LastError     string `json:"last_error,omitempty"`

	Correlation *CorrelationContext `json:"correlation,omitempty"`
	RetryCount  int                 `json:"retry_count"`
	Priority    Priority            `json:"priority"`

	RequestedAt   time.Time  `json:"requested_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

type refundRequestJSON RefundRequest

func (r RefundRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		refundRequestJSON
		Source SourceJSON `json:"refund_source"`
	}{refundRequestJSON(r), SourceJSON{r.Source}})
}

func (r *RefundRequest) UnmarshalJSON(data []byte) error {
	var aux struct {
		refundRequestJSON
		Source SourceJSON `json:"refund_source"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = RefundRequest(aux.refundRequestJSON)
	r.Source = aux.Source.RefundSource
	return nil
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *RefundRequest) Clone() *RefundRequest {
	c := *r
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		c.ProcessedAt = &t
	}
	if r.Correlation != nil {
		cc := *r.Correlation
		c.Correlation = &cc
	}
	return &c
}

// Filter selects refund requests for listing. Zero values match everything.
type Filter struct {
	Status      Status
	RequestedBy string
	From        time.Time
	To          time.Time
	Offset      int
	Limit       int
}

// Matches applies every filter field except pagination.
func (f Filter) Matches(r *RefundRequest) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.RequestedBy != "" && r.RequestedBy != f.RequestedBy {
		return false
	}
	if !f.From.IsZero() && r.RequestedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.RequestedAt.After(f.To) {
		return false
	}
	return true
}

// Page is one slice of a filtered listing, in creation order.
type Page struct {
	Items  []RefundRequest `json:"items"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// Stats aggregates every stored request.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[Status]int `json:"by_status"`
	TotalAmount int64          `json:"total_amount"`
}

// SettlementRequest asks an originating service to settle the user-funded
// portion of a hybrid refund. IdempotencyKey is stable across retries of the
// same refund so the origin can deduplicate.
type SettlementRequest struct {
	RefundID       int64      `json:"refund_id"`
	OriginType     OriginType `json:"origin_type"`
	OriginID       string     `json:"origin_id"`
	Requester      string     `json:"requester"`
	Amount         int64      `json:"amount"`
	IdempotencyKey string     `json:"idempotency_key"`
}

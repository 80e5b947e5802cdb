package database

import (
	"time"

	"github.com/google/uuid"
)

// Trade sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Approval statuses. An approval makes exactly one forward transition out of
// PENDING; expiry is decided by time comparison at read time.
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
	ApprovalExpired  = "EXPIRED"
)

// Execution log outcomes
const (
	OutcomeExecuted = "EXECUTED"
	OutcomeFailed   = "FAILED"
	OutcomeDenied   = "DENIED"  // Risk validator deny
	OutcomeBlocked  = "BLOCKED" // Circuit breaker open
	OutcomeExpired  = "EXPIRED" // Approval past its deadline
)

// Execution log actions
const (
	ActionExecute = "EXECUTE"
	ActionApprove = "APPROVE"
	ActionReject  = "REJECT"
	ActionExit    = "EXIT"
)

// RecommendationTTL is how long a generated recommendation stays actionable.
const RecommendationTTL = 24 * time.Hour

// ApprovalTTL is how long a pending approval stays actionable.
const ApprovalTTL = time.Hour

// CoinCandidate is a scored discovery result. Candidates are immutable once
// produced; later cycles insert new rows rather than mutating old ones.
type CoinCandidate struct {
	ID             int64     `json:"id"`
	Symbol         string    `json:"symbol"`
	Name           string    `json:"name"`
	MarketCapRank  int       `json:"market_cap_rank"`
	Price          float64   `json:"price"`
	Volume24h      float64   `json:"volume_24h"`
	Change24h      float64   `json:"change_24h"`
	Change7d       float64   `json:"change_7d"`
	VolumeScore    float64   `json:"volume_score"`
	MomentumScore  float64   `json:"momentum_score"`
	SentimentScore float64   `json:"sentiment_score"`
	CompositeScore float64   `json:"composite_score"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// Recommendation is an advisory verdict. Read-only after creation; expires by
// time, never deleted explicitly. A BUY recommendation always carries a stop-loss.
type Recommendation struct {
	ID               uuid.UUID `json:"id"`
	Symbol           string    `json:"symbol"`
	Action           string    `json:"action"` // BUY or SELL
	Confidence       float64   `json:"confidence"`
	EntryPrice       float64   `json:"entry_price"`
	StopLoss         *float64  `json:"stop_loss"`
	TakeProfit1      *float64  `json:"take_profit_1"`
	TakeProfit2      *float64  `json:"take_profit_2"`
	PositionFraction float64   `json:"position_fraction"`
	RiskLevel        string    `json:"risk_level"`
	Reasoning        string    `json:"reasoning"`
	Provenance       string    `json:"provenance"` // Which advisory source produced it
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Expired reports whether the recommendation is past its deadline.
func (r *Recommendation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TradeApproval is a time-boxed request for human sign-off on a trade.
type TradeApproval struct {
	ID               uuid.UUID  `json:"id"`
	RecommendationID uuid.UUID  `json:"recommendation_id"`
	Symbol           string     `json:"symbol"`
	Side             string     `json:"side"`
	Quantity         float64    `json:"quantity"`
	Price            float64    `json:"price"`
	StopLoss         *float64   `json:"stop_loss"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	RejectReason     string     `json:"reject_reason,omitempty"`
}

// Actionable reports whether the approval can still be approved or rejected.
func (a *TradeApproval) Actionable(now time.Time) bool {
	return a.Status == ApprovalPending && now.Before(a.ExpiresAt)
}

// Position is an open holding. Created on first BUY fill, mutated in place by
// subsequent fills and partial exits, removed entirely on full exit.
type Position struct {
	Symbol              string    `json:"symbol"`
	Quantity            float64   `json:"quantity"`
	AvgEntryPrice       float64   `json:"avg_entry_price"`
	OriginalEntryPrice  float64   `json:"original_entry_price"`
	StopLoss            float64   `json:"stop_loss"`
	TakeProfit          float64   `json:"take_profit"`
	HighWaterMark       float64   `json:"high_water_mark"`
	PartialExits        int       `json:"partial_exits"`
	ProtectionUpdatedAt time.Time `json:"protection_updated_at"`
	OpenedAt            time.Time `json:"opened_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ExecutionLog is an append-only audit record of every attempted
// state-changing action, with the settings in effect at the time.
type ExecutionLog struct {
	ID               uuid.UUID `json:"id"`
	Action           string    `json:"action"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	Quantity         float64   `json:"quantity"`
	Price            float64   `json:"price"`
	Outcome          string    `json:"outcome"`
	Reason           string    `json:"reason,omitempty"`
	SettingsSnapshot []byte    `json:"settings_snapshot,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// CircuitBreakerState is the persisted breaker snapshot for one action class.
type CircuitBreakerState struct {
	ActionClass  string     `json:"action_class"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

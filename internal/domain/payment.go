package domain

import (
	"encoding/json"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusCreated   PaymentStatus = "created"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusApproved  PaymentStatus = "approved"
	PaymentStatusCaptured  PaymentStatus = "captured"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// pendingRank orders the pre-capture states so they only move forward.
var pendingRank = map[PaymentStatus]int{
	PaymentStatusCreated:  0,
	PaymentStatusPending:  1,
	PaymentStatusApproved: 2,
}

func (s PaymentStatus) IsPending() bool {
	_, ok := pendingRank[s]
	return ok
}

func (s PaymentStatus) IsSuccessful() bool {
	return s == PaymentStatusCaptured || s == PaymentStatusCompleted
}

func (s PaymentStatus) IsFailed() bool {
	return s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a forward step.
// Replays of older states return false so callers can drop them.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch {
	case s.IsPending():
		if next.IsPending() {
			return pendingRank[next] > pendingRank[s]
		}
		return next.IsSuccessful() || next.IsFailed()
	case s.IsSuccessful():
		return next == PaymentStatusRefunded
	}
	return false
}

type Payment struct {
	ID                int64           `json:"id"`
	TenantID          int64           `json:"tenant_id"`
	OrderID           int64           `json:"order_id"`
	AttemptKey        string          `json:"attempt_key"`
	Provider          string          `json:"provider"`
	ProviderOrderID   string          `json:"provider_order_id,omitempty"`
	ProviderPaymentID string          `json:"provider_payment_id,omitempty"`
	ApprovalURL       string          `json:"approval_url,omitempty"`
	Status            PaymentStatus   `json:"status"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
	RawResponse       json.RawMessage `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

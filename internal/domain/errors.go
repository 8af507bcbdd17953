package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindTenantNotFound    Kind = "tenant_not_found"
	KindFeatureDisabled   Kind = "feature_disabled"
	KindProductNotFound   Kind = "product_not_found"
	KindInsufficientStock Kind = "insufficient_stock"
	KindInvalidCartState  Kind = "invalid_cart_state"
	KindPaymentProcessing Kind = "payment_processing"
	KindNotFound          Kind = "not_found"
	KindInvalidRequest    Kind = "invalid_request"
	KindInternal          Kind = "internal"
)

// Error is the classified failure returned by every pipeline operation.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies err; anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// TransitionDetails is attached to illegal status transition errors.
type TransitionDetails struct {
	Current   string `json:"current"`
	Attempted string `json:"attempted"`
}

func IllegalTransition(current, attempted string) *Error {
	return &Error{
		Kind:    KindInvalidCartState,
		Message: fmt.Sprintf("cannot transition from %s to %s", current, attempted),
		Details: TransitionDetails{Current: current, Attempted: attempted},
	}
}

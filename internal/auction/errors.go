package auction

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Kind is the stable, caller-visible category of an auction error.
type Kind string

const (
	KindInvalidLot           Kind = "INVALID_LOT"
	KindInvalidPercentage    Kind = "INVALID_PERCENTAGE"
	KindAuctionNotFound      Kind = "AUCTION_NOT_FOUND"
	KindAuctionNotActive     Kind = "AUCTION_NOT_ACTIVE"
	KindAuctionExpired       Kind = "AUCTION_EXPIRED"
	KindInsufficientCapacity Kind = "INSUFFICIENT_CAPACITY"
	KindIdempotencyReused    Kind = "IDEMPOTENCY_KEY_REUSED"
	KindConflict             Kind = "CONFLICT"
	KindCreationFailed       Kind = "CREATION_FAILED"
	KindPersistence          Kind = "PERSISTENCE_ERROR"
)

// Error is returned by every auction operation that fails.
// Two errors match under errors.Is when their kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	// MaxPercentage is the largest percentage that could still be bought.
	// Only set for KindInsufficientCapacity.
	MaxPercentage float64
	Err           error
}

var (
	ErrInvalidLot           = &Error{Kind: KindInvalidLot, Message: "lot is not eligible for an auction"}
	ErrInvalidPercentage    = &Error{Kind: KindInvalidPercentage, Message: "percentage must be greater than 0 and at most 100"}
	ErrAuctionNotFound      = &Error{Kind: KindAuctionNotFound, Message: "auction not found"}
	ErrAuctionNotActive     = &Error{Kind: KindAuctionNotActive, Message: "auction is not active"}
	ErrAuctionExpired       = &Error{Kind: KindAuctionExpired, Message: "auction has expired"}
	ErrInsufficientCapacity = &Error{Kind: KindInsufficientCapacity, Message: "insufficient capacity"}
	ErrIdempotencyReused    = &Error{Kind: KindIdempotencyReused, Message: "idempotency key was already used for a different bid"}
	ErrConflict             = &Error{Kind: KindConflict, Message: "auction was modified concurrently, retry the request"}
	ErrCreationFailed       = &Error{Kind: KindCreationFailed, Message: "auction could not be created"}
	ErrPersistence          = &Error{Kind: KindPersistence, Message: "storage failure"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Code implements response.CodedError.
func (e *Error) Code() string {
	return string(e.Kind)
}

// PublicMessage is the message safe to show callers. Infrastructure
// failures never expose the wrapped cause.
func (e *Error) PublicMessage() string {
	return e.Message
}

// HTTPStatus implements response.CodedError.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidPercentage:
		return http.StatusBadRequest
	case KindInvalidLot, KindInsufficientCapacity, KindIdempotencyReused:
		return http.StatusUnprocessableEntity
	case KindAuctionNotFound:
		return http.StatusNotFound
	case KindAuctionNotActive, KindAuctionExpired, KindConflict:
		return http.StatusConflict
	case KindCreationFailed, KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Details implements response.CodedError.
func (e *Error) Details() map[string]interface{} {
	if e.Kind != KindInsufficientCapacity {
		return nil
	}
	return map[string]interface{}{"max_percentage": e.MaxPercentage}
}

// KindOf returns the kind of an auction error, or "" for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func wrap(sentinel *Error, err error) *Error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, Err: err}
}

// insufficientCapacity reports the largest satisfiable percentage, truncated
// to two decimals so that resubmitting it never exceeds what is left.
func insufficientCapacity(requested, maxPercentage float64) *Error {
	maxPct := decimal.NewFromFloat(maxPercentage).RoundDown(2).InexactFloat64()
	return &Error{
		Kind:          KindInsufficientCapacity,
		Message:       fmt.Sprintf("requested %.2f%% but only %.2f%% of the lot is available", requested, maxPct),
		MaxPercentage: maxPct,
	}
}

package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrTooLow            = errors.New("bid amount too low")
	ErrInvalidAmount     = errors.New("bid amount must be positive")
	ErrDuplicateBid      = errors.New("bid id already used")
	ErrInvalidAuction    = errors.New("invalid auction spec")
	ErrAuctionNotLive    = errors.New("auction not live")
	ErrExpired           = errors.New("auction bidding window expired")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrBusy              = errors.New("item busy")
	ErrPersistence       = errors.New("persistence failure")
	ErrNotFound          = errors.New("not found")
)

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindState       ErrorKind = "state"
	KindConcurrency ErrorKind = "concurrency"
	KindPersistence ErrorKind = "persistence"
	KindNotFound    ErrorKind = "not_found"
	KindInternal    ErrorKind = "internal"
)

// KindOf classifies err into the engine's error taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrTooLow), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrDuplicateBid), errors.Is(err, ErrInvalidAuction):
		return KindValidation
	case errors.Is(err, ErrAuctionNotLive), errors.Is(err, ErrExpired),
		errors.Is(err, ErrInvalidTransition):
		return KindState
	case errors.Is(err, ErrBusy):
		return KindConcurrency
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// BidError is returned for TooLow rejections so the caller can retry with
// a corrected amount.
type BidError struct {
	Err          error
	CurrentPrice decimal.Decimal
	MinimumBid   decimal.Decimal
}

func (e *BidError) Error() string {
	return fmt.Sprintf("%s: current price %s, minimum bid %s", e.Err, e.CurrentPrice, e.MinimumBid)
}

func (e *BidError) Unwrap() error {
	return e.Err
}

package handlers

import (
	"errors"
	"net/http"

	"auction-engine/internal/domain"

	"github.com/shopspring/decimal"
)

type ErrorResponse struct {
	Error        string           `json:"error"`
	Kind         domain.ErrorKind `json:"kind"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	MinimumBid   *decimal.Decimal `json:"minimum_bid,omitempty"`
}

var kindStatus = map[domain.ErrorKind]int{
	domain.KindValidation:  http.StatusUnprocessableEntity,
	domain.KindState:       http.StatusConflict,
	domain.KindConcurrency: http.StatusServiceUnavailable,
	domain.KindPersistence: http.StatusServiceUnavailable,
	domain.KindNotFound:    http.StatusNotFound,
	domain.KindInternal:    http.StatusInternalServerError,
}

// errorResponse maps an engine error to its HTTP status and body. Internal
// errors are not echoed to the caller.
func errorResponse(err error) (int, ErrorResponse) {
	kind := domain.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}
	if kind == domain.KindInternal {
		resp.Error = "internal error"
	}

	var bidErr *domain.BidError
	if errors.As(err, &bidErr) {
		resp.CurrentPrice = &bidErr.CurrentPrice
		resp.MinimumBid = &bidErr.MinimumBid
	}
	return kindStatus[kind], resp
}

package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// BidderHeader carries the bidder identity established by the gateway's
// authentication layer.
const BidderHeader = "X-Bidder-ID"

type AuctionEngine interface {
	CreateAuction(ctx context.Context, spec domain.AuctionSpec) (domain.Auction, error)
	CancelAuction(ctx context.Context, auctionID string) error
	GetAuctionState(auctionID string) (domain.AuctionState, error)
	SubmitBid(ctx context.Context, req domain.BidRequest) (*domain.BidResult, error)
	Bids(itemID string) ([]domain.Bid, error)
}

type AuctionHandler struct {
	engine AuctionEngine
	log    logger.Logger
}

type ItemRequest struct {
	BasePrice decimal.Decimal `json:"base_price"`
}

type CreateAuctionRequest struct {
	OrganizerID  string              `json:"organizer_id"`
	Items        []ItemRequest       `json:"items"`
	StartTime    time.Time           `json:"start_time"`
	EndTime      time.Time           `json:"end_time"`
	MinIncrement decimal.Decimal     `json:"min_increment"`
	BuyNowPrice  decimal.NullDecimal `json:"buy_now_price"`
}

type ItemResponse struct {
	ItemID          string          `json:"item_id"`
	BasePrice       decimal.Decimal `json:"base_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	LeadingBidderID string          `json:"leading_bidder_id,omitempty"`
	BidCount        uint64          `json:"bid_count"`
}

type AuctionResponse struct {
	AuctionID    string           `json:"auction_id"`
	OrganizerID  string           `json:"organizer_id"`
	Phase        domain.Phase     `json:"phase"`
	StartTime    time.Time        `json:"start_time"`
	EndTime      time.Time        `json:"end_time"`
	MinIncrement decimal.Decimal  `json:"min_increment"`
	BuyNowPrice  *decimal.Decimal `json:"buy_now_price,omitempty"`
	Items        []ItemResponse   `json:"items"`
}

type AuctionStateResponse struct {
	AuctionID       string          `json:"auction_id"`
	Phase           domain.Phase    `json:"phase"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	LeadingBidderID string          `json:"leading_bidder_id,omitempty"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	Items           []ItemResponse  `json:"items"`
}

type SubmitBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
	BidID  string          `json:"bid_id,omitempty"`
}

type SubmitBidResponse struct {
	BidID            string          `json:"bid_id"`
	SequenceNumber   uint64          `json:"sequence_number"`
	NewCurrentPrice  decimal.Decimal `json:"new_current_price"`
	AuctionCompleted bool            `json:"auction_completed"`
}

type BidResponse struct {
	BidID          string          `json:"bid_id"`
	ItemID         string          `json:"item_id"`
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	SequenceNumber uint64          `json:"sequence_number"`
}

func NewAuctionHandler(engine AuctionEngine, log logger.Logger) *AuctionHandler {
	return &AuctionHandler{
		engine: engine,
		log:    log,
	}
}

// RegisterRoutes mounts the REST API under /api/v1.
func (h *AuctionHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.POST("/auctions", h.CreateAuction)
	api.GET("/auctions/:id", h.GetAuction)
	api.POST("/auctions/:id/cancel", h.CancelAuction)
	api.POST("/items/:id/bids", h.SubmitBid)
	api.GET("/items/:id/bids", h.ListBids)
}

func (h *AuctionHandler) CreateAuction(c echo.Context) error {
	var req CreateAuctionRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Kind: domain.KindValidation})
	}

	spec := domain.AuctionSpec{
		OrganizerID:  req.OrganizerID,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		MinIncrement: req.MinIncrement,
		BuyNowPrice:  req.BuyNowPrice,
	}
	for _, item := range req.Items {
		spec.Items = append(spec.Items, domain.ItemSpec{BasePrice: item.BasePrice})
	}

	auction, err := h.engine.CreateAuction(c.Request().Context(), spec)
	if err != nil {
		return h.fail(c, err, "create auction")
	}

	h.log.Info("Auction created", "auction_id", auction.ID, "remote_addr", c.RealIP())
	return c.JSON(http.StatusCreated, newAuctionResponse(auction))
}

func (h *AuctionHandler) GetAuction(c echo.Context) error {
	state, err := h.engine.GetAuctionState(c.Param("id"))
	if err != nil {
		return h.fail(c, err, "get auction")
	}

	return c.JSON(http.StatusOK, AuctionStateResponse{
		AuctionID:       state.AuctionID,
		Phase:           state.Phase,
		CurrentPrice:    state.CurrentPrice,
		LeadingBidderID: state.LeadingBidderID,
		StartTime:       state.StartTime,
		EndTime:         state.EndTime,
		Items:           newItemResponses(state.Items),
	})
}

func (h *AuctionHandler) CancelAuction(c echo.Context) error {
	auctionID := c.Param("id")
	if err := h.engine.CancelAuction(c.Request().Context(), auctionID); err != nil {
		return h.fail(c, err, "cancel auction")
	}

	h.log.Info("Auction cancelled", "auction_id", auctionID, "remote_addr", c.RealIP())
	return c.NoContent(http.StatusNoContent)
}

func (h *AuctionHandler) SubmitBid(c echo.Context) error {
	bidderID := strings.TrimSpace(c.Request().Header.Get(BidderHeader))
	if bidderID == "" {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: BidderHeader + " header required", Kind: domain.KindValidation})
	}

	var req SubmitBidRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Kind: domain.KindValidation})
	}

	result, err := h.engine.SubmitBid(c.Request().Context(), domain.BidRequest{
		BidID:    req.BidID,
		ItemID:   c.Param("id"),
		BidderID: bidderID,
		Amount:   req.Amount,
	})
	if err != nil {
		return h.fail(c, err, "submit bid")
	}

	return c.JSON(http.StatusCreated, SubmitBidResponse{
		BidID:            result.Bid.ID,
		SequenceNumber:   result.Bid.SequenceNumber,
		NewCurrentPrice:  result.CurrentPrice,
		AuctionCompleted: result.AuctionCompleted,
	})
}

func (h *AuctionHandler) ListBids(c echo.Context) error {
	bids, err := h.engine.Bids(c.Param("id"))
	if err != nil {
		return h.fail(c, err, "list bids")
	}

	resp := make([]BidResponse, 0, len(bids))
	for _, bid := range bids {
		resp = append(resp, BidResponse{
			BidID:          bid.ID,
			ItemID:         bid.ItemID,
			BidderID:       bid.BidderID,
			Amount:         bid.Amount,
			SubmittedAt:    bid.SubmittedAt,
			SequenceNumber: bid.SequenceNumber,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AuctionHandler) fail(c echo.Context, err error, op string) error {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "op", op, "path", c.Path(), "error", err)
	}
	return c.JSON(status, resp)
}

func newAuctionResponse(auction domain.Auction) AuctionResponse {
	resp := AuctionResponse{
		AuctionID:    auction.ID,
		OrganizerID:  auction.OrganizerID,
		Phase:        auction.Phase,
		StartTime:    auction.StartTime,
		EndTime:      auction.EndTime,
		MinIncrement: auction.MinIncrement,
		Items:        newItemResponses(auction.Items),
	}
	if auction.BuyNowPrice.Valid {
		price := auction.BuyNowPrice.Decimal
		resp.BuyNowPrice = &price
	}
	return resp
}

func newItemResponses(items []domain.AuctionItem) []ItemResponse {
	resp := make([]ItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, ItemResponse{
			ItemID:          item.ID,
			BasePrice:       item.BasePrice,
			CurrentPrice:    item.CurrentPrice,
			LeadingBidderID: item.LeadingBidderID,
			BidCount:        item.BidCount,
		})
	}
	return resp
}

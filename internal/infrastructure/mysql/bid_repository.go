package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"auction-engine/internal/domain"
)

type MySQLBidRepository struct {
	db *sql.DB
}

func NewMySQLBidRepository(db *sql.DB) *MySQLBidRepository {
	return &MySQLBidRepository{db: db}
}

// AppendBid records the bid and advances its item in one transaction. A
// retry of a bid that already committed is a no-op. A row left by an
// attempt the engine rolled back, either holding this bid's slot under
// another id or this id under another slot, is replaced.
func (r *MySQLBidRepository) AppendBid(ctx context.Context, bid *domain.Bid) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		cleanup := `
        DELETE FROM bids
        WHERE (item_id = ? AND sequence_number = ? AND id <> ?)
           OR (id = ? AND NOT (item_id = ? AND sequence_number = ?))
    `
		if _, err := tx.ExecContext(ctx, cleanup,
			bid.ItemID, bid.SequenceNumber, bid.ID,
			bid.ID, bid.ItemID, bid.SequenceNumber); err != nil {
			return fmt.Errorf("clear slot for bid %s: %w", bid.ID, err)
		}

		query := `
        INSERT INTO bids (id, item_id, auction_id, bidder_id, amount, sequence_number, submitted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE id = id
    `
		_, err := tx.ExecContext(ctx, query,
			bid.ID, bid.ItemID, bid.AuctionID, bid.BidderID,
			bid.Amount, bid.SequenceNumber, bid.SubmittedAt)
		if err != nil {
			return fmt.Errorf("insert bid %s: %w", bid.ID, err)
		}

		return advanceItem(ctx, tx, bid.ItemID, domain.AuctionItem{
			CurrentPrice:    bid.Amount,
			LeadingBidderID: bid.BidderID,
			BidCount:        bid.SequenceNumber,
		})
	})
}

func (r *MySQLBidRepository) ListBids(ctx context.Context, itemID string) ([]*domain.Bid, error) {
	query := `
        SELECT id, item_id, auction_id, bidder_id, amount, sequence_number, submitted_at
        FROM bids
        WHERE item_id = ?
        ORDER BY sequence_number ASC
    `

	rows, err := r.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*domain.Bid
	for rows.Next() {
		var bid domain.Bid
		err := rows.Scan(&bid.ID, &bid.ItemID, &bid.AuctionID, &bid.BidderID,
			&bid.Amount, &bid.SequenceNumber, &bid.SubmittedAt)
		if err != nil {
			return nil, err
		}
		bids = append(bids, &bid)
	}
	return bids, rows.Err()
}

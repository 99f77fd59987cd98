package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"auction-engine/internal/domain"

	_ "github.com/go-sql-driver/mysql"
)

type MySQLAuctionRepository struct {
	db *sql.DB
}

func NewMySQLAuctionRepository(db *sql.DB) *MySQLAuctionRepository {
	return &MySQLAuctionRepository{db: db}
}

func (r *MySQLAuctionRepository) CreateAuction(ctx context.Context, auction *domain.Auction) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
        INSERT INTO auctions (id, organizer_id, start_time, end_time, min_increment, buy_now_price, phase, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
		_, err := tx.ExecContext(ctx, query,
			auction.ID, auction.OrganizerID, auction.StartTime, auction.EndTime,
			auction.MinIncrement, auction.BuyNowPrice, int(auction.Phase),
			auction.CreatedAt, auction.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert auction %s: %w", auction.ID, err)
		}

		itemQuery := `
        INSERT INTO auction_items (id, auction_id, position, base_price, current_price, leading_bidder_id, bid_count)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `
		for i, item := range auction.Items {
			_, err := tx.ExecContext(ctx, itemQuery,
				item.ID, auction.ID, i, item.BasePrice, item.CurrentPrice,
				item.LeadingBidderID, item.BidCount)
			if err != nil {
				return fmt.Errorf("insert item %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

// UpdateAuctionState only ever moves the phase forward out of Pending or
// Live, and only ever moves an item to a later bid, so stale or repeated
// writes are harmless.
func (r *MySQLAuctionRepository) UpdateAuctionState(ctx context.Context, update domain.AuctionStateUpdate) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
        UPDATE auctions SET phase = ?, updated_at = ?
        WHERE id = ? AND phase < ? AND phase < ?
    `
		_, err := tx.ExecContext(ctx, query,
			int(update.Phase), time.Now().UTC(), update.AuctionID,
			int(update.Phase), int(domain.PhaseCompleted))
		if err != nil {
			return fmt.Errorf("update auction %s: %w", update.AuctionID, err)
		}

		for _, item := range update.Items {
			if err := advanceItem(ctx, tx, item.ID, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *MySQLAuctionRepository) ListOpenAuctions(ctx context.Context) ([]*domain.Auction, error) {
	query := `
        SELECT id, organizer_id, start_time, end_time, min_increment, buy_now_price, phase, created_at, updated_at
        FROM auctions WHERE phase IN (?, ?)
        ORDER BY start_time ASC
    `

	rows, err := r.db.QueryContext(ctx, query, int(domain.PhasePending), int(domain.PhaseLive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []*domain.Auction
	for rows.Next() {
		var auction domain.Auction
		var phase int

		err := rows.Scan(&auction.ID, &auction.OrganizerID, &auction.StartTime, &auction.EndTime,
			&auction.MinIncrement, &auction.BuyNowPrice, &phase, &auction.CreatedAt, &auction.UpdatedAt)
		if err != nil {
			return nil, err
		}

		auction.Phase = domain.Phase(phase)
		auctions = append(auctions, &auction)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, auction := range auctions {
		items, err := r.listItems(ctx, auction.ID)
		if err != nil {
			return nil, err
		}
		auction.Items = items
	}
	return auctions, nil
}

func (r *MySQLAuctionRepository) listItems(ctx context.Context, auctionID string) ([]domain.AuctionItem, error) {
	query := `
        SELECT id, auction_id, base_price, current_price, leading_bidder_id, bid_count
        FROM auction_items WHERE auction_id = ?
        ORDER BY position ASC
    `

	rows, err := r.db.QueryContext(ctx, query, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.AuctionItem
	for rows.Next() {
		var item domain.AuctionItem
		err := rows.Scan(&item.ID, &item.AuctionID, &item.BasePrice, &item.CurrentPrice,
			&item.LeadingBidderID, &item.BidCount)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// advanceItem moves an item's live columns to item's values unless the row
// already reflects the same or a later bid.
func advanceItem(ctx context.Context, tx *sql.Tx, itemID string, item domain.AuctionItem) error {
	query := `
        UPDATE auction_items SET current_price = ?, leading_bidder_id = ?, bid_count = ?
        WHERE id = ? AND bid_count <= ?
    `
	_, err := tx.ExecContext(ctx, query,
		item.CurrentPrice, item.LeadingBidderID, item.BidCount, itemID, item.BidCount)
	if err != nil {
		return fmt.Errorf("update item %s: %w", itemID, err)
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

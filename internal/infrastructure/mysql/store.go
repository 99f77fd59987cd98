package mysql

import (
	"database/sql"

	"auction-engine/internal/domain"
)

// Store is the engine's persistence adapter over MySQL. It expects:
//
//	auctions      (id PK, organizer_id, start_time, end_time, min_increment DECIMAL,
//	               buy_now_price DECIMAL NULL, phase TINYINT, created_at, updated_at)
//	auction_items (id PK, auction_id, position, base_price DECIMAL, current_price DECIMAL,
//	               leading_bidder_id, bid_count BIGINT UNSIGNED)
//	bids          (id PK, item_id, auction_id, bidder_id, amount DECIMAL,
//	               sequence_number BIGINT UNSIGNED, submitted_at, UNIQUE (item_id, sequence_number))
type Store struct {
	*MySQLAuctionRepository
	*MySQLBidRepository
}

var _ domain.PersistenceAdapter = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{
		MySQLAuctionRepository: NewMySQLAuctionRepository(db),
		MySQLBidRepository:     NewMySQLBidRepository(db),
	}
}

package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"auction-engine/internal/domain"

	"github.com/go-redis/redis/v8"
)

// terminalTTL keeps a finished auction readable for late clients.
const terminalTTL = 24 * time.Hour

// Both scripts compare before writing so events relayed out of order never
// move the cache backwards.
var (
	setPhaseScript = redis.NewScript(`
        local current = tonumber(redis.call('HGET', KEYS[1], 'phase') or '-1')
        local incoming = tonumber(ARGV[1])
        if incoming <= current then
            return 0
        end
        redis.call('HSET', KEYS[1], 'phase', ARGV[1])
        if tonumber(ARGV[2]) > 0 then
            redis.call('EXPIRE', KEYS[1], ARGV[2])
        end
        return 1
    `)

	setItemPriceScript = redis.NewScript(`
        local seq = tonumber(redis.call('HGET', KEYS[1], ARGV[1] .. ':seq') or '0')
        if tonumber(ARGV[4]) <= seq then
            return 0
        end
        redis.call('HSET', KEYS[1],
            ARGV[1] .. ':price', ARGV[2],
            ARGV[1] .. ':leader', ARGV[3],
            ARGV[1] .. ':seq', ARGV[4])
        return 1
    `)
)

// RedisStateCache keeps one hash per auction: a phase field plus
// item:<id>:price, item:<id>:leader and item:<id>:seq for every item that
// has received a bid.
type RedisStateCache struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStateCache(client *redis.Client, keyPrefix string) *RedisStateCache {
	if keyPrefix == "" {
		keyPrefix = "auction"
	}
	return &RedisStateCache{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStateCache) key(auctionID string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, auctionID)
}

func (r *RedisStateCache) SetPhase(ctx context.Context, auctionID string, phase domain.Phase) error {
	ttl := 0
	if phase.Terminal() {
		ttl = int(terminalTTL.Seconds())
	}
	return setPhaseScript.Run(ctx, r.client, []string{r.key(auctionID)}, int(phase), ttl).Err()
}

func (r *RedisStateCache) SetItemPrice(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventBidAccepted || event.Amount == nil {
		return fmt.Errorf("event %s carries no price", event.Type)
	}
	return setItemPriceScript.Run(ctx, r.client, []string{r.key(event.AuctionID)},
		"item:"+event.ItemID, event.Amount.String(), event.BidderID, event.SequenceNumber).Err()
}

func (r *RedisStateCache) GetSnapshot(ctx context.Context, auctionID string) (*domain.CachedAuction, error) {
	fields, err := r.client.HGetAll(ctx, r.key(auctionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}

	snapshot := &domain.CachedAuction{
		AuctionID: auctionID,
		Items:     make(map[string]domain.CachedItem),
	}
	for field, value := range fields {
		if field == "phase" {
			phase, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("phase %q: %w", value, err)
			}
			snapshot.Phase = domain.Phase(phase)
			continue
		}

		rest, ok := strings.CutPrefix(field, "item:")
		if !ok {
			continue
		}
		sep := strings.LastIndex(rest, ":")
		if sep < 0 {
			continue
		}
		itemID, attr := rest[:sep], rest[sep+1:]

		item := snapshot.Items[itemID]
		switch attr {
		case "price":
			item.CurrentPrice = value
		case "leader":
			item.LeadingBidderID = value
		case "seq":
			item.SequenceNumber, _ = strconv.ParseUint(value, 10, 64)
		}
		snapshot.Items[itemID] = item
	}
	return snapshot, nil
}

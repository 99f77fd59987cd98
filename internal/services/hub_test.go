package services

import (
	"sync"
	"testing"

	"auction-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqEvent(auctionID string, seq uint64) domain.Event {
	return domain.Event{Type: domain.EventBidAccepted, AuctionID: auctionID, SequenceNumber: seq}
}

func drain(sub *Subscription) []uint64 {
	var seqs []uint64
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return seqs
			}
			seqs = append(seqs, ev.SequenceNumber)
		default:
			return seqs
		}
	}
}

func TestBroadcastHub_DeliversInPublishOrder(t *testing.T) {
	hub := NewBroadcastHub(8, DropOldest, testNop)
	a := hub.Subscribe("auction_1")
	b := hub.Subscribe("auction_1")
	other := hub.Subscribe("auction_2")

	for seq := uint64(1); seq <= 5; seq++ {
		hub.Publish("auction_1", seqEvent("auction_1", seq))
	}

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, drain(a))
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, drain(b))
	assert.Empty(t, drain(other))
	assert.Equal(t, 2, hub.SubscriberCount("auction_1"))
}

func TestBroadcastHub_DropOldest(t *testing.T) {
	hub := NewBroadcastHub(3, DropOldest, testNop)
	slow := hub.Subscribe("auction_1")
	fast := hub.Subscribe("auction_1")

	for seq := uint64(1); seq <= 3; seq++ {
		hub.Publish("auction_1", seqEvent("auction_1", seq))
	}
	assert.Equal(t, []uint64{1, 2, 3}, drain(fast))

	for seq := uint64(4); seq <= 5; seq++ {
		hub.Publish("auction_1", seqEvent("auction_1", seq))
	}

	// The slow subscriber keeps the newest events, still in order.
	assert.Equal(t, []uint64{3, 4, 5}, drain(slow))
	assert.Equal(t, uint64(2), slow.Dropped())
	assert.False(t, slow.Evicted())
	assert.Equal(t, []uint64{4, 5}, drain(fast))
}

func TestBroadcastHub_DisconnectEvictsSlowSubscriber(t *testing.T) {
	hub := NewBroadcastHub(2, Disconnect, testNop)
	slow := hub.Subscribe("auction_1")
	fast := hub.Subscribe("auction_1")

	hub.Publish("auction_1", seqEvent("auction_1", 1))
	hub.Publish("auction_1", seqEvent("auction_1", 2))
	assert.Equal(t, []uint64{1, 2}, drain(fast))

	hub.Publish("auction_1", seqEvent("auction_1", 3))

	requireClosed(t, slow)
	assert.True(t, slow.Evicted())
	assert.Equal(t, 1, hub.SubscriberCount("auction_1"))
	assert.Equal(t, []uint64{1, 2}, drain(slow), "queued events remain readable")

	hub.Publish("auction_1", seqEvent("auction_1", 4))
	assert.Equal(t, []uint64{3, 4}, drain(fast))
}

func TestBroadcastHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewBroadcastHub(4, DropOldest, testNop)
	sub := hub.Subscribe("auction_1")

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	hub.Publish("auction_1", seqEvent("auction_1", 1))

	requireClosed(t, sub)
	assert.False(t, sub.Evicted())
	assert.Empty(t, drain(sub))
	assert.Zero(t, hub.SubscriberCount("auction_1"))
}

func TestBroadcastHub_SubscribeAll(t *testing.T) {
	hub := NewBroadcastHub(8, DropOldest, testNop)
	all := hub.SubscribeAll()

	hub.Publish("auction_1", seqEvent("auction_1", 1))
	hub.Publish("auction_2", seqEvent("auction_2", 1))
	hub.CloseAuction("auction_1")

	var auctions []string
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, all)
		auctions = append(auctions, ev.AuctionID)
	}
	assert.Equal(t, []string{"auction_1", "auction_2"}, auctions)

	hub.Close()
	requireClosed(t, all)
}

func TestBroadcastHub_CloseAuction(t *testing.T) {
	hub := NewBroadcastHub(4, DropOldest, testNop)
	a := hub.Subscribe("auction_1")
	b := hub.Subscribe("auction_2")

	hub.CloseAuction("auction_1")
	requireClosed(t, a)
	assert.Zero(t, hub.SubscriberCount("auction_1"))

	select {
	case <-b.Done():
		t.Fatal("other auctions stay open")
	default:
	}
}

// Publishers never block on a subscriber that stopped reading.
func TestBroadcastHub_PublishNeverBlocks(t *testing.T) {
	for _, policy := range []OverflowPolicy{DropOldest, Disconnect} {
		hub := NewBroadcastHub(1, policy, testNop)
		stuck := hub.Subscribe("auction_1")

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					hub.Publish("auction_1", seqEvent("auction_1", uint64(w*100+i)))
				}
			}(w)
		}
		wg.Wait()

		if policy == Disconnect {
			requireClosed(t, stuck)
		} else {
			assert.Len(t, drain(stuck), 1)
		}
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("disconnect")
	require.NoError(t, err)
	assert.Equal(t, Disconnect, p)

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	_, err = ParseOverflowPolicy("block")
	assert.Error(t, err)
}

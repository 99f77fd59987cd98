package leader

import (
	"context"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"

	"github.com/go-redis/redis/v8"
)

var (
	extendScript = redis.NewScript(`
        if redis.call("GET", KEYS[1]) == ARGV[1] then
            return redis.call("PEXPIRE", KEYS[1], ARGV[2])
        else
            return 0
        end
    `)

	releaseScript = redis.NewScript(`
        if redis.call("GET", KEYS[1]) == ARGV[1] then
            return redis.call("DEL", KEYS[1])
        else
            return 0
        end
    `)
)

// RedisLeaderElection guarantees a single engine process owns the auctions.
// The holder keeps its key alive with a heartbeat. A failed heartbeat is
// retried while the key is still alive. If the key is found gone or taken,
// or could expire before the next heartbeat, onLost runs once on the
// heartbeat goroutine and must not call back into the election.
type RedisLeaderElection struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	onLost func()
	log    logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ domain.LeaderElection = (*RedisLeaderElection)(nil)

func NewRedisLeaderElection(client *redis.Client, key string, ttl time.Duration, onLost func(), log logger.Logger) *RedisLeaderElection {
	if key == "" {
		key = "auction_leader"
	}
	return &RedisLeaderElection{
		client: client,
		key:    key,
		ttl:    ttl,
		onLost: onLost,
		log:    log,
	}
}

func (r *RedisLeaderElection) BecomeLeader(ctx context.Context, instanceID string) (bool, error) {
	result, err := r.client.SetNX(ctx, r.key, instanceID, r.ttl).Result()
	if err != nil {
		return false, err
	}

	if result {
		r.log.Info("Acquired leadership", "key", r.key, "instance_id", instanceID)
		r.startHeartbeat(instanceID)
	}

	return result, nil
}

func (r *RedisLeaderElection) IsLeader(ctx context.Context, instanceID string) (bool, error) {
	currentLeader, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}

	return currentLeader == instanceID, nil
}

func (r *RedisLeaderElection) ReleaseLeadership(ctx context.Context, instanceID string) error {
	r.stopHeartbeat()

	_, err := releaseScript.Run(ctx, r.client, []string{r.key}, instanceID).Result()
	if err == nil {
		r.log.Info("Released leadership", "key", r.key, "instance_id", instanceID)
	}
	return err
}

// WaitForLeadership retries BecomeLeader every interval until it succeeds
// or ctx is done.
func (r *RedisLeaderElection) WaitForLeadership(ctx context.Context, instanceID string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := r.BecomeLeader(ctx, instanceID)
		if err != nil {
			r.log.Warn("Leader election attempt failed", "key", r.key, "error", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RedisLeaderElection) startHeartbeat(instanceID string) {
	r.stopHeartbeat()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.maintainLeadership(ctx, instanceID, done)
}

func (r *RedisLeaderElection) stopHeartbeat() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *RedisLeaderElection) maintainLeadership(ctx context.Context, instanceID string, done chan struct{}) {
	defer close(done)

	interval := r.ttl / 3 // Refresh at 1/3 of TTL
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		attempt := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, interval)
		result, err := extendScript.Run(callCtx, r.client, []string{r.key},
			instanceID, r.ttl.Milliseconds()).Int64()
		cancel()

		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil && result != 0:
			lastRenewed = attempt
			continue
		case err != nil && time.Since(lastRenewed)+interval < r.ttl:
			// The key outlives one missed heartbeat.
			r.log.Warn("Leadership heartbeat failed", "key", r.key, "instance_id", instanceID, "error", err)
			continue
		}

		r.log.Error("Lost leadership", "key", r.key, "instance_id", instanceID, "error", err)
		if r.onLost != nil {
			r.onLost()
		}
		return
	}
}

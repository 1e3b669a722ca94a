// Package redis provides the channel member directory and user presence.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeee/chatsync/engine"
	"github.com/redis/go-redis/v9"
)

const (
	memberPrefix   = "chatsync:members"
	channelPrefix  = "chatsync:channels"
	presencePrefix = "chatsync:presence"

	defaultPresenceTTL = time.Minute
)

// Redis serves channel membership and presence out of Redis. Membership is a
// per-channel sorted set scored by join time; presence is a per-user key with
// a TTL refreshed by heartbeats.
type Redis struct {
	cli         *redis.Client
	presenceTTL time.Duration
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli:         cli,
		presenceTTL: defaultPresenceTTL,
	}, nil
}

// UpsertMember stores the member's profile and adds them to the channel.
// Joining an already joined channel refreshes the profile only.
func (r *Redis) UpsertMember(ctx context.Context, channelID string, m engine.Member) error {
	mm := &member{
		UserID:    m.UserID,
		Name:      m.Name,
		AvatarRef: m.AvatarRef,
	}

	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, memberKey(m.UserID), mm)
			pipe.ZAddNX(ctx, channelKey(channelID), redis.Z{
				Score:  float64(time.Now().UnixNano()),
				Member: m.UserID,
			})
			return nil
		})
		return err
	}, m.UserID)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// RemoveMember takes the user out of the channel. The profile hash stays; the
// user may belong to other channels.
func (r *Redis) RemoveMember(ctx context.Context, channelID, userID string) error {
	if err := r.cli.ZRem(ctx, channelKey(channelID), userID).Err(); err != nil {
		return fmt.Errorf("zrem: %w", err)
	}
	return nil
}

// ListChannelMembers returns the channel's members in join order, each marked
// online when a live presence key exists.
func (r *Redis) ListChannelMembers(ctx context.Context, channelID string) ([]engine.Member, error) {
	ids, err := r.cli.ZRange(ctx, channelKey(channelID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}

	out := make([]engine.Member, 0, len(ids))
	for _, id := range ids {
		var m member
		if err := r.cli.HGetAll(ctx, memberKey(id)).Scan(&m); err != nil {
			return nil, fmt.Errorf("hgetall: %w", err)
		}
		if m.UserID == "" {
			// Profile expired or was never written. The membership entry
			// alone is not worth surfacing.
			continue
		}
		online, err := r.cli.Exists(ctx, presenceKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("exists: %w", err)
		}
		out = append(out, m.APIMember(online == 1))
	}
	return out, nil
}

// Heartbeat marks the user online for the presence TTL. Call it periodically
// at an interval shorter than the TTL to keep the user online.
func (r *Redis) Heartbeat(ctx context.Context, userID string) error {
	if err := r.cli.Set(ctx, presenceKey(userID), "1", r.presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// GoOffline drops the user's presence immediately instead of waiting for the
// TTL to run out.
func (r *Redis) GoOffline(ctx context.Context, userID string) error {
	if err := r.cli.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("del presence: %w", err)
	}
	return nil
}

func memberKey(userID string) string {
	return fmt.Sprintf("%s:%s", memberPrefix, userID)
}

func channelKey(channelID string) string {
	return fmt.Sprintf("%s:%s:members", channelPrefix, channelID)
}

func presenceKey(userID string) string {
	return fmt.Sprintf("%s:%s", presencePrefix, userID)
}

package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

func typingKey(appID, threadID, userID string) string {
	return fmt.Sprintf("typing:%s:%s:%s", appID, threadID, userID)
}

func typingSetKey(appID, threadID string) string {
	return fmt.Sprintf("typing:%s:%s", appID, threadID)
}

// SetTyping marks or clears userID as typing in threadID. The marker expires
// after the typing TTL unless refreshed. changed reports whether the set of
// typing users differs from before the call.
func (t *Tracker) SetTyping(ctx context.Context, appID, threadID, userID string, typing bool) (changed bool, err error) {
	key := typingKey(appID, threadID, userID)
	existed, err := t.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check typing: %w", err)
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if typing {
			pipe.Set(ctx, key, time.Now().UTC().Unix(), t.typingTTL)
			pipe.SAdd(ctx, typingSetKey(appID, threadID), userID)
		} else {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, typingSetKey(appID, threadID), userID)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("set typing: %w", err)
	}
	return (existed > 0) != typing, nil
}

// TypingUsers lists users whose typing marker has not expired.
func (t *Tracker) TypingUsers(ctx context.Context, appID, threadID string) ([]string, error) {
	setKey := typingSetKey(appID, threadID)
	members, err := t.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}
	users := make([]string, 0, len(members))
	for _, userID := range members {
		n, err := t.client.Exists(ctx, typingKey(appID, threadID, userID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check typing: %w", err)
		}
		if n == 0 {
			t.client.SRem(ctx, setKey, userID)
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

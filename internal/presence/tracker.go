// Package presence tracks which users are present at which locations and who
// is typing in a thread. State lives in Redis so every API node sees the same
// view.
//
// Key layout, all scoped by application id:
//
//	presence:{app}:rec:{user}:{loc}:e   ephemeral record, expires after the TTL
//	presence:{app}:rec:{user}:{loc}:d   durable record
//	presence:{app}:user:{user}          set of location hashes the user has records at
//	presence:{app}:at:{loc}             set of users with records at the location
//	presence:{app}:locs                 set of location hashes with users
//	presence:{app}:loc:{loc}            canonical JSON of the location
//	typing:{app}:{thread}:{user}        typing marker, expires after the typing TTL
//	typing:{app}:{thread}               set of users that may be typing
//
// Index sets are cleaned lazily when an expired record is encountered. A
// location leaves the locs set once its last user is removed.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cord/api/internal/location"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrInvalidUpdate = errors.New("invalid presence update")
	errContention    = errors.New("presence update contention")
)

const maxTxRetries = 8

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type setReader interface {
	SCard(ctx context.Context, key string) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
}

// Update is one setPresent/setAbsent request.
type Update struct {
	UserID          string
	Location        location.Location
	Present         bool
	Durable         bool
	ExclusiveWithin location.Location
}

// Change describes a presence record that appeared or disappeared.
type Change struct {
	UserID   string
	Location location.Location
	Present  bool
	Durable  bool
}

// Record is the presence of one user at one location.
type Record struct {
	UserID    string            `json:"userID"`
	Location  location.Location `json:"location"`
	Ephemeral bool              `json:"ephemeral"`
	Durable   bool              `json:"durable"`
}

type Tracker struct {
	client    *redis.Client
	ttl       time.Duration
	typingTTL time.Duration
	log       *zap.Logger
}

// NewTracker connects to Redis and verifies the connection.
func NewTracker(redisURL string, ttl, typingTTL time.Duration, log *zap.Logger) (*Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewTrackerWithClient(client, ttl, typingTTL, log), nil
}

func NewTrackerWithClient(client *redis.Client, ttl, typingTTL time.Duration, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{client: client, ttl: ttl, typingTTL: typingTTL, log: log.Named("presence")}
}

func (t *Tracker) Close() error { return t.client.Close() }

func (t *Tracker) Ping(ctx context.Context) error { return t.client.Ping(ctx).Err() }

func recordKey(appID, userID, locHash string, durable bool) string {
	suffix := "e"
	if durable {
		suffix = "d"
	}
	return fmt.Sprintf("presence:%s:rec:%s:%s:%s", appID, userID, locHash, suffix)
}

func userKey(appID, userID string) string { return fmt.Sprintf("presence:%s:user:%s", appID, userID) }
func atKey(appID, locHash string) string  { return fmt.Sprintf("presence:%s:at:%s", appID, locHash) }
func locsKey(appID string) string         { return fmt.Sprintf("presence:%s:locs", appID) }
func locDataKey(appID, locHash string) string {
	return fmt.Sprintf("presence:%s:loc:%s", appID, locHash)
}

// Apply validates and executes an update.
func (t *Tracker) Apply(ctx context.Context, appID string, u Update) ([]Change, error) {
	if u.UserID == "" || len(u.Location) == 0 {
		return nil, fmt.Errorf("%w: user and location are required", ErrInvalidUpdate)
	}
	if !u.Present {
		if u.Durable {
			return nil, fmt.Errorf("%w: durable cannot be combined with absent", ErrInvalidUpdate)
		}
		if len(u.ExclusiveWithin) > 0 {
			return nil, fmt.Errorf("%w: exclusiveWithin only applies to present", ErrInvalidUpdate)
		}
		removed, err := t.SetAbsent(ctx, appID, u.UserID, u.Location)
		if err != nil || !removed {
			return nil, err
		}
		return []Change{{UserID: u.UserID, Location: location.Normalize(u.Location), Present: false}}, nil
	}
	return t.SetPresent(ctx, appID, u.UserID, u.Location, u.Durable, u.ExclusiveWithin)
}

// SetPresent writes a presence record. When exclusiveWithin is non-empty every
// existing record of the user whose location contains all of its pairs is
// removed in the same transaction. Refreshing an existing ephemeral record
// extends its TTL and reports no change.
func (t *Tracker) SetPresent(ctx context.Context, appID, userID string, loc location.Location, durable bool, exclusiveWithin location.Location) ([]Change, error) {
	loc = location.Normalize(loc)
	exclusiveWithin = location.Normalize(exclusiveWithin)
	if len(exclusiveWithin) > 0 && !loc.Contains(exclusiveWithin) {
		return nil, fmt.Errorf("%w: location must contain exclusiveWithin", ErrInvalidUpdate)
	}

	hash := loc.Hash()
	uKey := userKey(appID, userID)
	newKey := recordKey(appID, userID, hash, durable)

	var changes []Change
	txf := func(tx *redis.Tx) error {
		changes = changes[:0]

		type victim struct {
			hash string
			loc  location.Location
		}
		var victims []victim
		if len(exclusiveWithin) > 0 {
			hashes, err := tx.SMembers(ctx, uKey).Result()
			if err != nil {
				return err
			}
			for _, h := range hashes {
				other, err := t.loadLocation(ctx, tx, appID, h)
				if err != nil {
					return err
				}
				if other == nil || !other.Contains(exclusiveWithin) {
					continue
				}
				victims = append(victims, victim{hash: h, loc: other})
			}
		}

		existed, err := tx.Exists(ctx, newKey).Result()
		if err != nil {
			return err
		}

		// Which records actually exist decides the reported changes.
		type live struct {
			victim
			durable bool
		}
		var removed []live
		for _, v := range victims {
			for _, d := range []bool{false, true} {
				key := recordKey(appID, userID, v.hash, d)
				if key == newKey {
					continue
				}
				n, err := tx.Exists(ctx, key).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					removed = append(removed, live{victim: v, durable: d})
				}
			}
		}

		var emptied []string
		for _, v := range victims {
			if v.hash == hash {
				continue
			}
			aKey := atKey(appID, v.hash)
			if err := tx.Watch(ctx, aKey).Err(); err != nil {
				return err
			}
			last, err := lastMember(ctx, tx, aKey, userID)
			if err != nil {
				return err
			}
			if last {
				emptied = append(emptied, v.hash)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, h := range emptied {
				dropLocation(ctx, pipe, appID, h)
			}
			for _, v := range victims {
				for _, d := range []bool{false, true} {
					key := recordKey(appID, userID, v.hash, d)
					if key != newKey {
						pipe.Del(ctx, key)
					}
				}
				if v.hash != hash {
					pipe.SRem(ctx, uKey, v.hash)
					pipe.SRem(ctx, atKey(appID, v.hash), userID)
				}
			}

			ttl := time.Duration(0)
			if !durable {
				ttl = t.ttl
			}
			pipe.Set(ctx, newKey, time.Now().UTC().Format(time.RFC3339Nano), ttl)
			pipe.SAdd(ctx, uKey, hash)
			pipe.SAdd(ctx, atKey(appID, hash), userID)
			pipe.SAdd(ctx, locsKey(appID), hash)
			pipe.Set(ctx, locDataKey(appID, hash), loc.Key(), 0)
			return nil
		})
		if err != nil {
			return err
		}

		for _, r := range removed {
			changes = append(changes, Change{UserID: userID, Location: r.loc, Present: false, Durable: r.durable})
		}
		if existed == 0 {
			changes = append(changes, Change{UserID: userID, Location: loc, Present: true, Durable: durable})
		}
		return nil
	}

	if err := t.watch(ctx, txf, uKey, newKey); err != nil {
		return nil, fmt.Errorf("set present: %w", err)
	}
	return changes, nil
}

// SetAbsent removes the ephemeral record at exactly loc. Missing records are
// not an error; removed reports whether anything was deleted.
func (t *Tracker) SetAbsent(ctx context.Context, appID, userID string, loc location.Location) (bool, error) {
	return t.remove(ctx, appID, userID, location.Normalize(loc), false)
}

// ClearPresence removes both the ephemeral and the durable record at loc.
func (t *Tracker) ClearPresence(ctx context.Context, appID, userID string, loc location.Location) (bool, error) {
	return t.remove(ctx, appID, userID, location.Normalize(loc), true)
}

func (t *Tracker) remove(ctx context.Context, appID, userID string, loc location.Location, includeDurable bool) (bool, error) {
	hash := loc.Hash()
	uKey := userKey(appID, userID)
	aKey := atKey(appID, hash)
	ephKey := recordKey(appID, userID, hash, false)
	durKey := recordKey(appID, userID, hash, true)

	var removed bool
	txf := func(tx *redis.Tx) error {
		removed = false
		eph, err := tx.Exists(ctx, ephKey).Result()
		if err != nil {
			return err
		}
		dur, err := tx.Exists(ctx, durKey).Result()
		if err != nil {
			return err
		}
		removed = eph > 0 || (includeDurable && dur > 0)
		remaining := dur > 0 && !includeDurable
		last := false
		if !remaining {
			if last, err = lastMember(ctx, tx, aKey, userID); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, ephKey)
			if includeDurable {
				pipe.Del(ctx, durKey)
			}
			if !remaining {
				pipe.SRem(ctx, uKey, hash)
				pipe.SRem(ctx, aKey, userID)
			}
			if last {
				dropLocation(ctx, pipe, appID, hash)
			}
			return nil
		})
		return err
	}
	if err := t.watch(ctx, txf, uKey, aKey, ephKey, durKey); err != nil {
		return false, fmt.Errorf("set absent: %w", err)
	}
	return removed, nil
}

// List returns the presence records at loc. With partialMatch every location
// containing loc matches; otherwise only the exact location does.
func (t *Tracker) List(ctx context.Context, appID string, loc location.Location, partialMatch, excludeDurable bool) ([]Record, error) {
	loc = location.Normalize(loc)

	var hashes []string
	if partialMatch {
		all, err := t.client.SMembers(ctx, locsKey(appID)).Result()
		if err != nil {
			return nil, fmt.Errorf("list locations: %w", err)
		}
		hashes = all
	} else {
		hashes = []string{loc.Hash()}
	}

	var out []Record
	for _, h := range hashes {
		at, err := t.loadLocation(ctx, t.client, appID, h)
		if err != nil {
			return nil, err
		}
		if at == nil {
			continue
		}
		if partialMatch && !at.Contains(loc) {
			continue
		}
		if !partialMatch && !at.Equal(loc) {
			continue
		}
		users, err := t.client.SMembers(ctx, atKey(appID, h)).Result()
		if err != nil {
			return nil, fmt.Errorf("list users at location: %w", err)
		}
		for _, userID := range users {
			eph, err := t.client.Exists(ctx, recordKey(appID, userID, h, false)).Result()
			if err != nil {
				return nil, err
			}
			dur, err := t.client.Exists(ctx, recordKey(appID, userID, h, true)).Result()
			if err != nil {
				return nil, err
			}
			if eph == 0 && dur == 0 {
				t.pruneStale(ctx, appID, userID, h)
				continue
			}
			if eph == 0 && excludeDurable {
				continue
			}
			out = append(out, Record{UserID: userID, Location: at, Ephemeral: eph > 0, Durable: dur > 0})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Location.Key() < out[j].Location.Key()
	})
	return out, nil
}

// UserLocations returns every location the user currently has a record at.
func (t *Tracker) UserLocations(ctx context.Context, appID, userID string) ([]Record, error) {
	hashes, err := t.client.SMembers(ctx, userKey(appID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user presence: %w", err)
	}
	var out []Record
	for _, h := range hashes {
		at, err := t.loadLocation(ctx, t.client, appID, h)
		if err != nil {
			return nil, err
		}
		eph, _ := t.client.Exists(ctx, recordKey(appID, userID, h, false)).Result()
		dur, _ := t.client.Exists(ctx, recordKey(appID, userID, h, true)).Result()
		if at == nil || (eph == 0 && dur == 0) {
			t.pruneStale(ctx, appID, userID, h)
			continue
		}
		out = append(out, Record{UserID: userID, Location: at, Ephemeral: eph > 0, Durable: dur > 0})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location.Key() < out[j].Location.Key() })
	return out, nil
}

// pruneStale drops the index entries of an expired record. It does nothing
// if the record was written again in the meantime.
func (t *Tracker) pruneStale(ctx context.Context, appID, userID, hash string) {
	uKey := userKey(appID, userID)
	aKey := atKey(appID, hash)
	ephKey := recordKey(appID, userID, hash, false)
	durKey := recordKey(appID, userID, hash, true)

	txf := func(tx *redis.Tx) error {
		live, err := tx.Exists(ctx, ephKey, durKey).Result()
		if err != nil || live > 0 {
			return err
		}
		last, err := lastMember(ctx, tx, aKey, userID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, uKey, hash)
			pipe.SRem(ctx, aKey, userID)
			if last {
				dropLocation(ctx, pipe, appID, hash)
			}
			return nil
		})
		return err
	}
	if err := t.watch(ctx, txf, uKey, aKey, ephKey, durKey); err != nil {
		t.log.Debug("prune stale presence", zap.String("app_id", appID), zap.Error(err))
	}
}

// lastMember reports whether removing member leaves the set at key empty.
func lastMember(ctx context.Context, c setReader, key, member string) (bool, error) {
	n, err := c.SCard(ctx, key).Result()
	if err != nil || n > 1 {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	return c.SIsMember(ctx, key, member).Result()
}

func dropLocation(ctx context.Context, pipe redis.Pipeliner, appID, hash string) {
	pipe.SRem(ctx, locsKey(appID), hash)
	pipe.Del(ctx, locDataKey(appID, hash))
}

func (t *Tracker) loadLocation(ctx context.Context, c getter, appID, hash string) (location.Location, error) {
	raw, err := c.Get(ctx, locDataKey(appID, hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	return location.Parse(raw)
}

func (t *Tracker) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := t.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errContention
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	pkgerrors "github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// QueueStore keeps branch queues in Redis sorted sets.
type QueueStore struct {
	client goredis.UniversalClient
	keys   keys
}

type Options struct {
	// Prefix namespaces every key; defaults to "qms:".
	Prefix string
}

func NewQueueStore(client goredis.UniversalClient, options Options) *QueueStore {
	prefix := options.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &QueueStore{client: client, keys: keys{prefix: prefix}}
}

// Connect parses a redis:// or rediss:// URL and checks the server answers.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "redis: parse url")
	}
	client := goredis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, pkgerrors.Wrap(err, "redis: ping")
	}
	return client, nil
}

func (s *QueueStore) Upsert(ctx context.Context, branchID string, token models.Token, score float64) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return pkgerrors.Wrap(err, "redis: encode token")
	}
	tokenID := token.TokenID
	indexKey := s.keys.tokenBranch(tokenID)

	txf := func(tx *goredis.Tx) error {
		prev, err := tx.Get(ctx, indexKey).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if prev != "" && prev != branchID {
				pipe.ZRem(ctx, s.keys.queue(prev), tokenID)
				pipe.HDel(ctx, s.keys.tokens(prev), tokenID)
				pipe.HDel(ctx, s.keys.arrivals(prev), tokenID)
			}
			pipe.ZAdd(ctx, s.keys.queue(branchID), goredis.Z{Score: score, Member: tokenID})
			pipe.HSet(ctx, s.keys.tokens(branchID), tokenID, payload)
			pipe.HSet(ctx, s.keys.arrivals(branchID), tokenID, arrivalMicros(token))
			pipe.Set(ctx, indexKey, branchID, 0)
			pipe.SAdd(ctx, s.keys.branches(), branchID)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, indexKey); err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			return store.ErrConflict
		}
		return pkgerrors.Wrap(err, "redis: upsert")
	}
	return nil
}

func (s *QueueStore) PopMax(ctx context.Context, branchID string) (store.Entry, bool, error) {
	res, err := popMaxScript.Run(ctx, s.client, s.keys.branch(branchID), s.keys.tokenBranchPrefix(), branchID).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return store.Entry{}, false, nil
		}
		return store.Entry{}, false, pkgerrors.Wrap(err, "redis: pop max")
	}
	if len(res) != 3 {
		return store.Entry{}, false, fmt.Errorf("redis: pop max: unexpected reply length %d", len(res))
	}
	entry, err := decodeEntry(res[0], res[1], res[2])
	if err != nil {
		return store.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *QueueStore) Remove(ctx context.Context, branchID, tokenID string) (bool, error) {
	scriptKeys := append(s.keys.branch(branchID), s.keys.tokenBranch(tokenID))
	removed, err := removeScript.Run(ctx, s.client, scriptKeys, tokenID, branchID).Int()
	if err != nil {
		return false, pkgerrors.Wrap(err, "redis: remove")
	}
	return removed == 1, nil
}

func (s *QueueStore) UpdateScore(ctx context.Context, branchID, tokenID string, score float64) (bool, error) {
	updated, err := updateScoreScript.Run(ctx, s.client, []string{s.keys.queue(branchID)},
		strconv.FormatFloat(score, 'f', -1, 64), tokenID).Int()
	if err != nil {
		return false, pkgerrors.Wrap(err, "redis: update score")
	}
	return updated == 1, nil
}

func (s *QueueStore) List(ctx context.Context, branchID string) ([]store.Entry, error) {
	res, err := listScript.Run(ctx, s.client, []string{s.keys.queue(branchID), s.keys.tokens(branchID)}).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []store.Entry{}, nil
		}
		return nil, pkgerrors.Wrap(err, "redis: list")
	}
	entries := make([]store.Entry, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		entry, err := decodeEntry(res[i], res[i+1], res[i+2])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	store.SortEntries(entries)
	return entries, nil
}

func (s *QueueStore) Branches(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keys.branches()).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "redis: list branches")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	counts := make([]*goredis.IntCmd, len(ids))
	for i, id := range ids {
		counts[i] = pipe.ZCard(ctx, s.keys.queue(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, pkgerrors.Wrap(err, "redis: count branches")
	}

	active := make([]string, 0, len(ids))
	for i, id := range ids {
		if counts[i].Val() > 0 {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active, nil
}

func decodeEntry(rawID, rawScore, rawSnapshot interface{}) (store.Entry, error) {
	tokenID, _ := rawID.(string)
	scoreText, _ := rawScore.(string)
	snapshot, _ := rawSnapshot.(string)

	score, err := strconv.ParseFloat(scoreText, 64)
	if err != nil {
		return store.Entry{}, fmt.Errorf("redis: token %s: bad score %q: %w", tokenID, scoreText, err)
	}
	var token models.Token
	if snapshot == "" {
		return store.Entry{}, fmt.Errorf("redis: token %s has no snapshot", tokenID)
	}
	if err := json.Unmarshal([]byte(snapshot), &token); err != nil {
		return store.Entry{}, fmt.Errorf("redis: token %s: decode snapshot: %w", tokenID, err)
	}
	return store.Entry{Token: token, Score: score}, nil
}

func arrivalMicros(token models.Token) int64 {
	if token.ArrivalTime == nil {
		return 0
	}
	return token.ArrivalTime.UnixMicro()
}

package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] snapshot json, KEYS[2] version. Older versions are refused.
var saveIfNewer = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
if cur >= tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

type RedisCheckpointRepo struct {
	client *RedisClient
	key    string
}

func NewRedisCheckpointRepo(client *RedisClient, key string) *RedisCheckpointRepo {
	if key == "" {
		key = "polyloop:portfolio:checkpoint"
	}
	return &RedisCheckpointRepo{client: client, key: key}
}

func (r *RedisCheckpointRepo) Load(ctx context.Context) (*model.PortfolioState, error) {
	raw, err := r.client.Client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.PortfolioState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *RedisCheckpointRepo) Save(ctx context.Context, st *model.PortfolioState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return saveIfNewer.Run(ctx, r.client.Client, []string{r.key, r.key + ":version"}, string(payload), st.Version).Err()
}

package repository

import (
	"context"
	"encoding/json"

	"github.com/GoPolymarket/polyloop/internal/model"
)

// RedisAuditRepo keeps a capped list of intent transitions, newest at the head.
type RedisAuditRepo struct {
	client  *RedisClient
	listKey string
	listMax int
}

func NewRedisAuditRepo(client *RedisClient, listKey string, listMax int) *RedisAuditRepo {
	if listKey == "" {
		listKey = "polyloop:intent_audit"
	}
	if listMax <= 0 {
		listMax = 10000
	}
	return &RedisAuditRepo{
		client:  client,
		listKey: listKey,
		listMax: listMax,
	}
}

func (r *RedisAuditRepo) Insert(ctx context.Context, rec *model.AuditRecord) error {
	if rec == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.client.Client.TxPipeline()
	pipe.LPush(ctx, r.listKey, payload)
	pipe.LTrim(ctx, r.listKey, 0, int64(r.listMax-1))
	_, err = pipe.Exec(ctx)
	return err
}

// ListByIntent scans the list and returns the trail oldest first.
func (r *RedisAuditRepo) ListByIntent(ctx context.Context, intentID string, limit int) ([]*model.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	items, err := r.client.Client.LRange(ctx, r.listKey, 0, int64(r.listMax-1)).Result()
	if err != nil {
		return nil, err
	}
	results := make([]*model.AuditRecord, 0, limit)
	for _, raw := range items {
		var rec model.AuditRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if intentID != "" && rec.IntentID != intentID {
			continue
		}
		results = append(results, &rec)
		if len(results) >= limit {
			break
		}
	}
	// 列表头部是最新记录, 反转为时间顺序
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

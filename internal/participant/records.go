package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redisclient "github.com/retailhub/order-saga/pkg/redis"
)

// RecordStore persists participant idempotency records keyed by
// (saga_id, step_name, action). A repeated call with the same key
// replays the recorded response instead of re-executing the effect.
type RecordStore interface {
	Get(ctx context.Context, sagaID, stepName, action string) (*ExecuteStepResponse, bool, error)
	Put(ctx context.Context, sagaID, stepName, action string, resp *ExecuteStepResponse) error
}

func recordKey(sagaID, stepName, action string) string {
	return fmt.Sprintf("%s:%s:%s", sagaID, stepName, action)
}

// MemoryRecordStore is the in-process RecordStore.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*ExecuteStepResponse
}

// NewMemoryRecordStore creates an empty record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*ExecuteStepResponse)}
}

func (s *MemoryRecordStore) Get(ctx context.Context, sagaID, stepName, action string) (*ExecuteStepResponse, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.records[recordKey(sagaID, stepName, action)]
	if !ok {
		return nil, false, nil
	}
	copied := *resp
	return &copied, true, nil
}

func (s *MemoryRecordStore) Put(ctx context.Context, sagaID, stepName, action string, resp *ExecuteStepResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *resp
	s.records[recordKey(sagaID, stepName, action)] = &copied
	return nil
}

// RedisRecordStore keeps idempotency records in Redis with a TTL
// matching the saga retention window.
type RedisRecordStore struct {
	client    *redisclient.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisRecordStore creates a Redis-backed record store.
func NewRedisRecordStore(client *redisclient.Client, ttl time.Duration) *RedisRecordStore {
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &RedisRecordStore{
		client:    client,
		keyPrefix: "participant:record:",
		ttl:       ttl,
	}
}

func (s *RedisRecordStore) Get(ctx context.Context, sagaID, stepName, action string) (*ExecuteStepResponse, bool, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+recordKey(sagaID, stepName, action))
	if err != nil {
		// missing key and transport errors both mean "no record"
		return nil, false, nil
	}

	var resp ExecuteStepResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &resp, true, nil
}

func (s *RedisRecordStore) Put(ctx context.Context, sagaID, stepName, action string, resp *ExecuteStepResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	return s.client.Set(ctx, s.keyPrefix+recordKey(sagaID, stepName, action), data, s.ttl)
}

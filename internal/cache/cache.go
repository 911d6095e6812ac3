package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// KV is the local key-value cache used for session state and offline
// fallbacks. Values are opaque strings.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, key string) error
}

type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.values[key]
	return val, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

type scoped struct {
	kv     KV
	prefix string
}

// Scoped namespaces every key under owner so sessions of different users on
// the same device do not see each other's state.
func Scoped(kv KV, owner string) KV {
	return scoped{kv: kv, prefix: "u:" + strings.TrimSpace(owner) + ":"}
}

func (s scoped) Get(ctx context.Context, key string) (string, bool, error) {
	return s.kv.Get(ctx, s.prefix+key)
}

func (s scoped) Set(ctx context.Context, key string, value string) error {
	return s.kv.Set(ctx, s.prefix+key, value)
}

func (s scoped) Remove(ctx context.Context, key string) error {
	return s.kv.Remove(ctx, s.prefix+key)
}

func GetJSON[T any](ctx context.Context, kv KV, key string) (T, bool, error) {
	var out T
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func SetJSON(ctx context.Context, kv KV, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return kv.Set(ctx, key, string(payload))
}

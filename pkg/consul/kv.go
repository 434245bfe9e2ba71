// Package consul wraps the Consul KV API with JSON helpers and a blocking watch.
package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

var (
	ErrMissing   = errors.New("consul: key not found")
	ErrContended = errors.New("consul: too many concurrent writers")
)

const casAttempts = 8

type KV struct {
	cli *consulapi.Client
}

func New(addr string) (*KV, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &KV{cli: cli}, nil
}

func q(ctx context.Context) *consulapi.QueryOptions {
	return (&consulapi.QueryOptions{}).WithContext(ctx)
}

func w(ctx context.Context) *consulapi.WriteOptions {
	return (&consulapi.WriteOptions{}).WithContext(ctx)
}

// Get decodes the JSON value at key into out, or returns ErrMissing.
func (k *KV) Get(ctx context.Context, key string, out any) error {
	pair, _, err := k.cli.KV().Get(key, q(ctx))
	if err != nil {
		return err
	}
	if pair == nil {
		return ErrMissing
	}
	return json.Unmarshal(pair.Value, out)
}

func (k *KV) Put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = k.cli.KV().Put(&consulapi.KVPair{Key: key, Value: b}, w(ctx))
	return err
}

// Create writes key only if it does not exist yet and reports whether it did.
func (k *KV) Create(ctx context.Context, key string, v any) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	ok, _, err := k.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: b, ModifyIndex: 0}, w(ctx))
	return ok, err
}

func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.cli.KV().Delete(key, w(ctx))
	return err
}

func (k *KV) DeleteTree(ctx context.Context, prefix string) error {
	_, err := k.cli.KV().DeleteTree(prefix, w(ctx))
	return err
}

func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, _, err := k.cli.KV().Keys(prefix, "", q(ctx))
	return keys, err
}

func (k *KV) Ping(ctx context.Context) error {
	_, err := k.cli.Status().LeaderWithQueryOptions(q(ctx))
	return err
}

// Update reads the JSON value at key, applies fn and writes the result back
// with check-and-set on the read's ModifyIndex. A concurrent write makes it
// read again. fn returns false to skip the write.
func Update[T any](ctx context.Context, k *KV, key string, fn func(*T) bool) error {
	for i := 0; i < casAttempts; i++ {
		pair, _, err := k.cli.KV().Get(key, q(ctx))
		if err != nil {
			return err
		}
		if pair == nil {
			return ErrMissing
		}
		var v T
		if err := json.Unmarshal(pair.Value, &v); err != nil {
			return err
		}
		if !fn(&v) {
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		ok, _, err := k.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: b, ModifyIndex: pair.ModifyIndex}, w(ctx))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrContended
}

// List decodes every value under prefix in key order. Undecodable values are skipped.
func List[T any](ctx context.Context, k *KV, prefix string) ([]T, error) {
	pairs, _, err := k.cli.KV().List(prefix, q(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(pairs))
	for _, p := range pairs {
		var v T
		if err := json.Unmarshal(p.Value, &v); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// Watch runs a blocking query on prefix and calls fn with the decoded values
// each time the prefix changes, until ctx is done.
func Watch[T any](ctx context.Context, k *KV, prefix string, fn func([]T)) {
	var index uint64
	for ctx.Err() == nil {
		opts := (&consulapi.QueryOptions{WaitIndex: index, WaitTime: time.Minute}).WithContext(ctx)
		pairs, meta, err := k.cli.KV().List(prefix, opts)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if meta.LastIndex == index {
			continue
		}
		if meta.LastIndex < index {
			index = 0
			continue
		}
		index = meta.LastIndex
		vals := make([]T, 0, len(pairs))
		for _, p := range pairs {
			var v T
			if err := json.Unmarshal(p.Value, &v); err == nil {
				vals = append(vals, v)
			}
		}
		fn(vals)
	}
}

// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock serializes work per string key over a fixed pool of locks.
// Keys that hash to the same shard also serialize with each other.
// The zero value is not usable; call NewKeyLock.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock creates a KeyLock with every shard unlocked.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock waits for key's shard. It returns the release func, or ctx.Err()
// if the context ends first.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[shardOf(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

package core

import (
	"context"
	"slices"
	"sync"
)

// LocalBroker is an in-process pub/sub used when the server runs as a single node.
// Handlers run on the publishing goroutine, in subscription order.
type LocalBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func([]byte)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[int]func([]byte))}
}

func (b *LocalBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs[channel]))
	for id := range b.subs[channel] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[channel][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(slices.Clone(payload))
	}
	return nil
}

func (b *LocalBroker) Subscribe(channel string, handler func([]byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]func([]byte))
	}
	b.subs[channel][id] = handler

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], id)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		return nil
	}, nil
}

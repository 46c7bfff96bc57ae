package db

import (
	"sync"
)

// Change operations
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change describes a write to one record
type Change struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Op    string `json:"op"`
}

// Feed fans out change notifications to subscribers.
// Slow subscribers lose notifications instead of blocking writers.
type Feed struct {
	mu     sync.Mutex
	subs   map[chan Change]struct{}
	closed bool
}

// NewFeed creates an empty change feed
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Change]struct{})}
}

// Publish notifies all subscribers
func (f *Feed) Publish(table, id, op string) {
	if f == nil {
		return
	}
	ch := Change{Table: table, ID: id, Op: op}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}

// Subscribe returns a channel of changes and a function that releases it
func (f *Feed) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		})
	}
}

// Close releases every subscriber
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		close(sub)
		delete(f.subs, sub)
	}
}

package multiplex

import (
	"sync"

	"github.com/ozontech/thriftrpc/message"
)

// result resolves one pending call: a decoded reply or a terminal error.
type result struct {
	msg *message.Message
	err error
}

type pendingMap struct {
	mu sync.Mutex
	m  map[int32]chan result

	// sequence ids abandoned by their callers; a late reply for one of
	// these is an expected race, not a correlation bug
	forgotten map[int32]struct{}
}

func newPendingMap() *pendingMap {
	return &pendingMap{
		m:         make(map[int32]chan result, 64),
		forgotten: make(map[int32]struct{}),
	}
}

func (p *pendingMap) insert(seq int32, ch chan result) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.m[seq]; ok {
		return false
	}
	p.m[seq] = ch
	return true
}

func (p *pendingMap) remove(seq int32) (chan result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.m[seq]
	if ok {
		delete(p.m, seq)
	}
	return ch, ok
}

const forgottenCap = 1024

func (p *pendingMap) forget(seq int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.m[seq]; !ok {
		return
	}
	delete(p.m, seq)
	if len(p.forgotten) >= forgottenCap {
		for k := range p.forgotten {
			delete(p.forgotten, k)
			break
		}
	}
	p.forgotten[seq] = struct{}{}
}

func (p *pendingMap) wasForgotten(seq int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.forgotten[seq]; !ok {
		return false
	}
	delete(p.forgotten, seq)
	return true
}

func (p *pendingMap) drain() []chan result {
	p.mu.Lock()
	defer p.mu.Unlock()
	chs := make([]chan result, 0, len(p.m))
	for _, ch := range p.m {
		chs = append(chs, ch)
	}
	p.m = make(map[int32]chan result)
	p.forgotten = make(map[int32]struct{})
	return chs
}

const pendingShards = 16 // power of two, shard pick is seq&mask

// shardedPending spreads the seq→reply registry over locked shards so the
// reader goroutine and callers do not fight over one mutex.
type shardedPending struct {
	shards [pendingShards]*pendingMap
}

func newShardedPending() *shardedPending {
	s := new(shardedPending)
	for i := range s.shards {
		s.shards[i] = newPendingMap()
	}
	return s
}

func (s *shardedPending) shard(seq int32) *pendingMap {
	return s.shards[uint32(seq)&(pendingShards-1)]
}

// Insert registers a pending call. A duplicate sequence id is refused.
func (s *shardedPending) Insert(seq int32, ch chan result) bool {
	return s.shard(seq).insert(seq, ch)
}

// Remove unregisters and returns the pending call, exactly once.
func (s *shardedPending) Remove(seq int32) (chan result, bool) {
	return s.shard(seq).remove(seq)
}

// Forget unregisters a call whose caller gave up waiting. The reply may
// still arrive; WasForgotten lets the reader tell it apart from a reply
// that never had a call.
func (s *shardedPending) Forget(seq int32) {
	s.shard(seq).forget(seq)
}

// WasForgotten reports whether seq was abandoned, consuming the record.
func (s *shardedPending) WasForgotten(seq int32) bool {
	return s.shard(seq).wasForgotten(seq)
}

// FailAll resolves every pending call with err and empties the registry.
func (s *shardedPending) FailAll(err error) {
	for _, shard := range s.shards {
		for _, ch := range shard.drain() {
			ch <- result{err: err}
		}
	}
}

// Package chat holds the client side conversation engine: the ordered
// message log, the delivery pipeline and the history pager.
package chat

import (
	"sort"
	"sync"

	"github.com/servicehub/chatcore/internal/types"
)

// ChangeOp is the kind of a store mutation.
type ChangeOp string

const (
	OpAppend  ChangeOp = "append"
	OpPrepend ChangeOp = "prepend"
	OpUpdate  ChangeOp = "update"
	OpRemove  ChangeOp = "remove"
)

// Change describes one store mutation to watchers.
type Change struct {
	Op  ChangeOp
	IDs []string
}

type entry struct {
	msg types.Message
	seq int64
}

// Store is the ordered message log of the active conversation. Entries are
// kept oldest-first by (timestamp, insertion sequence); appended entries
// take increasing sequences and prepended ones decreasing sequences, so ties
// on timestamp resolve to insertion order. An entry is indexed by its ID and
// its ClientID; a message matching either key is a duplicate.
type Store struct {
	mu       sync.RWMutex
	entries  []*entry
	index    map[string]*entry
	nextHigh int64
	nextLow  int64
	watchers map[int]func(Change)
	nextW    int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		index:    make(map[string]*entry),
		watchers: make(map[int]func(Change)),
	}
}

// Watch registers fn to be called after each mutation. fn runs outside the
// store lock and may read from the store.
func (s *Store) Watch(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Append inserts a new message. It returns false if the message is already
// present under its ID or ClientID.
func (s *Store) Append(m types.Message) bool {
	s.mu.Lock()
	if s.lookupLocked(m) != nil {
		s.mu.Unlock()
		return false
	}
	s.nextHigh++
	s.insertLocked(&entry{msg: m.Clone(), seq: s.nextHigh})
	s.mu.Unlock()

	s.notify(Change{Op: OpAppend, IDs: []string{m.ID}})
	return true
}

// Prepend merges a batch of older messages given newest-first, skipping
// duplicates. It returns the ids actually inserted.
func (s *Store) Prepend(older []types.Message) []string {
	s.mu.Lock()
	var added []string
	for _, m := range older {
		if m.ID == "" || s.lookupLocked(m) != nil {
			continue
		}
		s.nextLow--
		s.insertLocked(&entry{msg: m.Clone(), seq: s.nextLow})
		added = append(added, m.ID)
	}
	s.mu.Unlock()

	if len(added) > 0 {
		s.notify(Change{Op: OpPrepend, IDs: added})
	}
	return added
}

// UpdateByID applies mutate to the stored message in place. Only the fields
// mutate touches change, so concurrent partial updates compose. The message
// keeps its position; ID and ClientID changes must go through ReplaceID.
func (s *Store) UpdateByID(id string, mutate func(m *types.Message)) bool {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	oldID, oldClient := e.msg.ID, e.msg.ClientID
	mutate(&e.msg)
	e.msg.ID, e.msg.ClientID = oldID, oldClient
	s.mu.Unlock()

	s.notify(Change{Op: OpUpdate, IDs: []string{oldID}})
	return true
}

// ReplaceID swaps a temporary id for the authoritative one in place. The
// old id is kept as ClientID so later echoes still match. If a different
// entry already holds newID (an echo that won the race), that entry is
// dropped and the local one keeps its position.
func (s *Store) ReplaceID(oldID, newID string) bool {
	s.mu.Lock()
	e, ok := s.index[oldID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	var removed []string
	if other, dup := s.index[newID]; dup && other != e {
		s.removeLocked(other)
		removed = append(removed, newID)
	}
	delete(s.index, e.msg.ID)
	if e.msg.ClientID == "" {
		e.msg.ClientID = oldID
	}
	e.msg.ID = newID
	s.index[newID] = e
	s.index[e.msg.ClientID] = e
	s.mu.Unlock()

	if len(removed) > 0 {
		s.notify(Change{Op: OpRemove, IDs: removed})
	}
	s.notify(Change{Op: OpUpdate, IDs: []string{newID}})
	return true
}

// RemoveByID deletes a message and returns the removed copy.
func (s *Store) RemoveByID(id string) (types.Message, bool) {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return types.Message{}, false
	}
	s.removeLocked(e)
	s.mu.Unlock()

	s.notify(Change{Op: OpRemove, IDs: []string{e.msg.ID}})
	return e.msg.Clone(), true
}

// Get returns a copy of the message with the given id or client id.
func (s *Store) Get(id string) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	if !ok {
		return types.Message{}, false
	}
	return e.msg.Clone(), true
}

// Has reports whether id is known as an ID or ClientID.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ListNewestFirst returns copies of all messages, newest first.
func (s *Store) ListNewestFirst() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Message, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e.msg.Clone()
	}
	return out
}

// IndexNewestFirst returns the position of id in ListNewestFirst, or -1.
func (s *Store) IndexNewestFirst(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	if !ok {
		return -1
	}
	for i, cur := range s.entries {
		if cur == e {
			return len(s.entries) - 1 - i
		}
	}
	return -1
}

// MarkRead flags every message matching pred as read and returns their ids.
func (s *Store) MarkRead(pred func(m *types.Message) bool) []string {
	s.mu.Lock()
	var ids []string
	for _, e := range s.entries {
		if !e.msg.IsRead && pred(&e.msg) {
			e.msg.IsRead = true
			ids = append(ids, e.msg.ID)
		}
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		s.notify(Change{Op: OpUpdate, IDs: ids})
	}
	return ids
}

// Reset drops every message.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.index = make(map[string]*entry)
	s.nextHigh, s.nextLow = 0, 0
	s.mu.Unlock()
}

func (s *Store) lookupLocked(m types.Message) *entry {
	if e, ok := s.index[m.ID]; ok && m.ID != "" {
		return e
	}
	if e, ok := s.index[m.ClientID]; ok && m.ClientID != "" {
		return e
	}
	return nil
}

func (s *Store) insertLocked(e *entry) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return less(e, s.entries[i])
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e

	s.index[e.msg.ID] = e
	if e.msg.ClientID != "" {
		s.index[e.msg.ClientID] = e
	}
}

func (s *Store) removeLocked(e *entry) {
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if s.index[e.msg.ID] == e {
		delete(s.index, e.msg.ID)
	}
	if e.msg.ClientID != "" && s.index[e.msg.ClientID] == e {
		delete(s.index, e.msg.ClientID)
	}
}

// less orders entries oldest-first.
func less(a, b *entry) bool {
	if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
		return a.msg.Timestamp.Before(b.msg.Timestamp)
	}
	return a.seq < b.seq
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

package cache

import (
	"container/list"
	"time"

	"github.com/imgbase/imgbase/codec"
)

// entry is the index record for one cached artifact. The artifact bytes live
// in the backend; the index tracks recency and size accounting.
type entry struct {
	key          string
	size         int64
	createdAt    time.Time
	lastAccessed time.Time
	meta         codec.Metadata
}

// lruIndex is an access-ordered index: front is most recently used. Not safe
// for concurrent use; the Cache's lock guards it.
type lruIndex struct {
	ll    *list.List
	items map[string]*list.Element
	size  int64
}

func newLRUIndex() *lruIndex {
	return &lruIndex{ll: list.New(), items: make(map[string]*list.Element)}
}

func (x *lruIndex) len() int { return x.ll.Len() }

// get returns the entry and marks it recently used.
func (x *lruIndex) get(key string, now time.Time) *entry {
	el, ok := x.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	e.lastAccessed = now
	x.ll.MoveToFront(el)
	return e
}

// add inserts or refreshes an entry at the front.
func (x *lruIndex) add(e *entry) {
	if el, ok := x.items[e.key]; ok {
		old := el.Value.(*entry)
		x.size += e.size - old.size
		el.Value = e
		x.ll.MoveToFront(el)
		return
	}
	x.items[e.key] = x.ll.PushFront(e)
	x.size += e.size
}

// remove drops an entry by key. Reports whether it was present.
func (x *lruIndex) remove(key string) (*entry, bool) {
	el, ok := x.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	x.ll.Remove(el)
	delete(x.items, key)
	x.size -= e.size
	return e, true
}

// removeOldest evicts the least recently used entry.
func (x *lruIndex) removeOldest() (*entry, bool) {
	el := x.ll.Back()
	if el == nil {
		return nil, false
	}
	e := el.Value.(*entry)
	x.ll.Remove(el)
	delete(x.items, e.key)
	x.size -= e.size
	return e, true
}

// expired collects the keys of entries created before the cutoff.
func (x *lruIndex) expired(cutoff time.Time) []string {
	var keys []string
	for el := x.ll.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*entry); e.createdAt.Before(cutoff) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// purge empties the index, returning the former entry count and byte size.
func (x *lruIndex) purge() (count int, freed int64) {
	count, freed = x.ll.Len(), x.size
	x.ll.Init()
	x.items = make(map[string]*list.Element)
	x.size = 0
	return count, freed
}

// keys returns all keys, most recent first.
func (x *lruIndex) keys() []string {
	out := make([]string, 0, x.ll.Len())
	for el := x.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

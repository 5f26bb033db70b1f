// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelstore

import (
	"sync"
)

// KeyedMutex is a set of mutexes indexed by key. Entries are created on demand and dropped once no
// goroutine holds or waits for them. The zero value is ready to use.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock locks the mutex of key, and returns the function to unlock it.
func (km *KeyedMutex) Lock(key string) (unlock func()) {
	km.mu.Lock()
	if km.entries == nil {
		km.entries = make(map[string]*keyedEntry)
	}
	entry, found := km.entries[key]
	if !found {
		entry = &keyedEntry{}
		km.entries[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		km.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
	}
}

// Len returns the number of keys currently locked or waited for.
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.entries)
}

// Copyright 2024 The ChunkFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package storage

import (
	"os"
	"sync"

	"github.com/chunkfs/chunkfs/proto"
	"github.com/chunkfs/chunkfs/util/errors"
	"github.com/chunkfs/chunkfs/util/log"
)

type chunkKey struct {
	id    uint64
	ctype proto.ChunkPartType
}

type chunkNewMode uint8

const (
	newNone chunkNewMode = iota
	newAuto
	newExclusive
)

func (sm *SpaceManager) takeCondWaiters() *condWaiters {
	if n := len(sm.freeConds); n > 0 {
		w := sm.freeConds[n-1]
		sm.freeConds = sm.freeConds[:n-1]
		return w
	}
	return &condWaiters{cond: sync.NewCond(&sm.registryLock)}
}

// chunkRemoveLocked erases a chunk from the registry, its folder's test list
// and the fd pool. Registry lock held.
func (sm *SpaceManager) chunkRemoveLocked(c *Chunk) {
	key := chunkKey{c.id, c.ctype}
	if _, ok := sm.registry[key]; !ok {
		log.LogWarnf("action[chunkRemove] chunk(%v) not found in registry", c)
		return
	}
	// Anyone still queued behind this entry must re-check the registry.
	if c.cond != nil {
		c.cond.cond.Broadcast()
	}
	sm.openChunks.purge(c.open)
	if c.owner != nil {
		sm.testLock.Lock()
		c.owner.chunks.remove(c)
		sm.testLock.Unlock()
	}
	delete(sm.registry, key)
}

// chunkRecreateLocked drops the old entry (if any) and inserts a fresh LOCKED
// chunk of the requested format under the same key, preserving the waiter
// set. Registry lock held.
func (sm *SpaceManager) chunkRecreateLocked(c *Chunk, chunkID uint64,
	ctype proto.ChunkPartType, format proto.ChunkFormat) *Chunk {
	var waiting *condWaiters

	if c != nil {
		if c.state != chunkDeleted && c.owner != nil {
			sm.testLock.Lock()
			c.owner.chunks.remove(c)
			sm.testLock.Unlock()
			c.owner.needRefresh.Store(true)
		}
		waiting = c.cond
		c.cond = nil
		sm.chunkRemoveLocked(c)
	}

	nc := newChunk(chunkID, ctype, format, chunkLocked)
	sm.registry[chunkKey{chunkID, ctype}] = nc
	nc.cond = waiting
	return nc
}

// getattr validates the on-disk file behind a freshly locked chunk and
// derives its block count. Runs without the registry lock.
func (c *Chunk) getattr() error {
	st, err := os.Stat(c.filename)
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return errors.NewErrorf("chunk file %s is not a regular file", c.filename)
	}
	if !c.isFileSizeValid(st.Size()) {
		return errors.NewErrorf("chunk file %s has invalid size %d", c.filename, st.Size())
	}
	c.setBlockCountFromFileSize(st.Size())
	c.validAttr = true
	return nil
}

// chunkGet looks up (or, depending on mode, creates) the chunk and locks it.
// It returns nil on not-found (newNone) and on exclusive conflicts.
//
// The caller must pair a non-nil result with chunkRelease.
func (sm *SpaceManager) chunkGet(chunkID uint64, ctype proto.ChunkPartType,
	mode chunkNewMode, format proto.ChunkFormat) *Chunk {
	key := chunkKey{chunkID, ctype}

	sm.registryLock.Lock()
	c, ok := sm.registry[key]
	if !ok {
		if mode != newNone {
			c = sm.chunkRecreateLocked(nil, chunkID, ctype, format)
			sm.registryLock.Unlock()
			return c
		}
		sm.registryLock.Unlock()
		return nil
	}
	if mode == newExclusive && (c.state == chunkAvail || c.state == chunkLocked) {
		sm.registryLock.Unlock()
		return nil
	}
	for {
		switch c.state {
		case chunkAvail:
			c.state = chunkLocked
			sm.registryLock.Unlock()
			if !c.validAttr {
				if err := c.getattr(); err != nil {
					if mode != newNone {
						os.Remove(c.filename)
						sm.registryLock.Lock()
						c = sm.chunkRecreateLocked(c, chunkID, ctype, format)
						sm.registryLock.Unlock()
						return c
					}
					log.LogWarnf("action[chunkGet] chunk(%v) attr check failed: %v", c, err)
					sm.ReportDamagedChunk(chunkID, ctype)
					os.Remove(c.filename)
					sm.chunkDeleteEntry(c)
					return nil
				}
			}
			return c

		case chunkDeleted:
			if mode != newNone {
				c = sm.chunkRecreateLocked(c, chunkID, ctype, format)
				sm.registryLock.Unlock()
				return c
			}
			if c.cond == nil {
				sm.chunkRemoveLocked(c)
			} else {
				c.cond.cond.Signal()
			}
			sm.registryLock.Unlock()
			return nil

		case chunkLocked, chunkToBeDeleted:
			if c.cond == nil {
				c.cond = sm.takeCondWaiters()
			}
			w := c.cond
			w.waiters++
			w.cond.Wait()
			w.waiters--
			// The entry may have been recreated while we slept; follow the
			// registry, not the stale pointer. The cond is recycled only once
			// no waiters remain and no live entry still carries it.
			cur, stillThere := sm.registry[key]
			if w.waiters == 0 {
				if stillThere && cur.cond == w {
					cur.cond = nil
					sm.freeConds = append(sm.freeConds, w)
				} else if !stillThere {
					sm.freeConds = append(sm.freeConds, w)
				}
			}
			if !stillThere {
				if mode != newNone {
					c = sm.chunkRecreateLocked(nil, chunkID, ctype, format)
					sm.registryLock.Unlock()
					return c
				}
				sm.registryLock.Unlock()
				return nil
			}
			c = cur
		}
	}
}

// chunkFind locks an existing chunk without creating one.
func (sm *SpaceManager) chunkFind(chunkID uint64, ctype proto.ChunkPartType) *Chunk {
	return sm.chunkGet(chunkID, ctype, newNone, proto.FormatImproper)
}

// chunkRelease returns a locked chunk to the registry, finishing a deferred
// deletion if one was requested while we held it.
func (sm *SpaceManager) chunkRelease(c *Chunk) {
	sm.registryLock.Lock()
	defer sm.registryLock.Unlock()

	switch c.state {
	case chunkLocked:
		c.state = chunkAvail
		if c.cond != nil {
			c.cond.cond.Signal()
		}
	case chunkToBeDeleted:
		if c.cond != nil {
			c.state = chunkDeleted
			c.cond.cond.Signal()
		} else {
			sm.chunkRemoveLocked(c)
		}
	}
}

// chunkDeleteEntry forces the chunk into DELETED, waking one waiter to finish
// the removal, or erases it outright when nobody waits.
func (sm *SpaceManager) chunkDeleteEntry(c *Chunk) {
	sm.registryLock.Lock()
	f := c.owner
	if c.cond != nil {
		c.state = chunkDeleted
		c.cond.cond.Signal()
	} else {
		sm.chunkRemoveLocked(c)
	}
	sm.registryLock.Unlock()

	if f != nil {
		f.needRefresh.Store(true)
	}
}

// chunkCreateEntry inserts a new LOCKED chunk bound to folder f. Folder lock
// held by the caller (placement and insertion are one critical section).
func (sm *SpaceManager) chunkCreateEntry(f *Folder, chunkID uint64, ctype proto.ChunkPartType,
	version uint32, format proto.ChunkFormat) *Chunk {
	if format == proto.FormatImproper {
		format = sm.defaultFormat()
	}
	c := sm.chunkGet(chunkID, ctype, newExclusive, format)
	if c == nil {
		return nil
	}
	c.version = version
	c.owner = f
	f.needRefresh.Store(true)
	c.setFilenameLayout(currentDirectoryLayout)
	sm.testLock.Lock()
	f.chunks.insert(c)
	sm.testLock.Unlock()
	return c
}

// RegisteredChunkCount returns the number of chunks in the registry.
func (sm *SpaceManager) RegisteredChunkCount() int {
	sm.registryLock.Lock()
	defer sm.registryLock.Unlock()
	return len(sm.registry)
}

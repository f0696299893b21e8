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
	"container/list"
	"math"
	"os"
	"sync"

	"github.com/chunkfs/chunkfs/util/bytespool"
)

// OpenChunk is the pooled resource behind an open chunk: the descriptor and,
// for split chunks, the in-memory CRC table.
type OpenChunk struct {
	file  *os.File
	crc   []byte
	chunk *Chunk

	refCount    int
	releaseTime int64
	idleElem    *list.Element
}

func newOpenChunk(c *Chunk, f *os.File) *OpenChunk {
	oc := &OpenChunk{file: f, chunk: c}
	if c.isSplit() {
		oc.crc = bytespool.Alloc(crcBlockSize)
	}
	return oc
}

// crcData returns the split chunk's CRC table; valid only while the chunk is
// locked and its descriptor acquired.
func (oc *OpenChunk) crcData() []byte {
	return oc.crc
}

func (oc *OpenChunk) close() {
	if oc.file != nil {
		oc.file.Close()
		oc.file = nil
	}
	if oc.crc != nil {
		bytespool.Free(oc.crc)
		oc.crc = nil
	}
}

// OpenChunkPool bounds the number of idle open descriptors. Resources stay
// usable while acquired; once released they age on the idle list until
// freeUnusedChunks reclaims them. Eviction runs under the registry lock because the
// owning chunk still points at the resource.
type OpenChunkPool struct {
	mu   sync.Mutex
	idle *list.List // *OpenChunk, oldest release first
}

func newOpenChunkPool() *OpenChunkPool {
	return &OpenChunkPool{idle: list.New()}
}

// acquire marks an already-open resource as used again, removing it from the
// idle list if it was parked there.
func (p *OpenChunkPool) acquire(oc *OpenChunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if oc.idleElem != nil {
		p.idle.Remove(oc.idleElem)
		oc.idleElem = nil
	}
	oc.refCount++
}

// acquireNew registers a freshly opened resource.
func (p *OpenChunkPool) acquireNew(oc *OpenChunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	oc.refCount++
}

// release drops one reference; the last release parks the resource on the
// idle list stamped with now (seconds).
func (p *OpenChunkPool) release(oc *OpenChunk, now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if oc.refCount > 0 {
		oc.refCount--
	}
	if oc.refCount == 0 && oc.idleElem == nil {
		oc.releaseTime = now
		oc.idleElem = p.idle.PushBack(oc)
	}
}

// purge evicts a resource immediately, idle or not. Caller holds the registry
// lock; used when the owning chunk is erased.
func (p *OpenChunkPool) purge(oc *OpenChunk) {
	if oc == nil {
		return
	}
	p.mu.Lock()
	if oc.idleElem != nil {
		p.idle.Remove(oc.idleElem)
		oc.idleElem = nil
	}
	p.mu.Unlock()
	if oc.chunk != nil {
		oc.chunk.open = nil
	}
	oc.close()
}

// forceFreeNow makes every idle resource eligible for the next freeUnusedChunks.
const forceFreeNow = math.MaxInt64

// freeUnusedChunks closes up to max idle descriptors whose release is at least the
// retention threshold old. It takes the registry lock itself (the chunk's
// open pointer is guarded by it); callers must not hold that lock.
func (sm *SpaceManager) freeUnusedChunks(now int64, max int) (freed int) {
	sm.registryLock.Lock()
	defer sm.registryLock.Unlock()
	p := sm.openChunks

	p.mu.Lock()
	var victims []*OpenChunk
	for e := p.idle.Front(); e != nil && freed < max; {
		oc := e.Value.(*OpenChunk)
		if now != forceFreeNow && oc.releaseTime+openChunkRetention > now {
			break
		}
		next := e.Next()
		p.idle.Remove(e)
		oc.idleElem = nil
		victims = append(victims, oc)
		freed++
		e = next
	}
	p.mu.Unlock()

	for _, oc := range victims {
		if oc.chunk != nil {
			oc.chunk.open = nil
		}
		oc.close()
	}
	return freed
}

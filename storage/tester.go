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
	"sync"
	"sync/atomic"
	"time"

	"github.com/chunkfs/chunkfs/proto"
	"github.com/chunkfs/chunkfs/util/log"
	"github.com/chunkfs/chunkfs/util/timeutil"
	"github.com/chunkfs/chunkfs/util/tokenbucket"
)

// uniqueTestQueue holds client-triggered verification requests, deduplicated
// so a flurry of failed reads schedules one scrub.
type uniqueTestQueue struct {
	mu    sync.Mutex
	seen  map[proto.ChunkWithVersionAndType]struct{}
	items []proto.ChunkWithVersionAndType
}

func newUniqueTestQueue() *uniqueTestQueue {
	return &uniqueTestQueue{seen: make(map[proto.ChunkWithVersionAndType]struct{})}
}

func (q *uniqueTestQueue) put(item proto.ChunkWithVersionAndType) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[item]; ok {
		return
	}
	q.seen[item] = struct{}{}
	q.items = append(q.items, item)
}

func (q *uniqueTestQueue) get() (item proto.ChunkWithVersionAndType, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	delete(q.seen, item)
	return item, true
}

// TestChunkAsync schedules a priority verification of the chunk, typically
// after a client saw a CRC mismatch.
func (sm *SpaceManager) TestChunkAsync(item proto.ChunkWithVersionAndType) {
	sm.testQueue.put(item)
}

// sleepInterruptible waits for d or until termination; returns false when the
// engine is shutting down.
func (sm *SpaceManager) sleepInterruptible(d time.Duration) bool {
	select {
	case <-sm.term:
		return false
	case <-sm.clock.After(d):
		return true
	}
}

func (sm *SpaceManager) folderUntestable(f *Folder) bool {
	return f.isDamaged || f.isMarkedForDeletion() || f.wasRemovedFromConfig ||
		f.scanState != ScanWorking
}

// testerThread round-robins over the folders, verifying each one's
// oldest-tested chunk every HDD_TEST_FREQ interval.
func (sm *SpaceManager) testerThread() {
	defer sm.wg.Done()

	folderIdx := 0
	cnt := uint32(0)

	for {
		select {
		case <-sm.term:
			return
		default:
		}
		start := timeutil.NowMicro()

		var (
			chunkID uint64
			version uint32
			ctype   proto.ChunkPartType
		)

		freqMs := atomic.LoadUint32(&sm.testFreqMs)
		step := freqMs
		if step > 1000 {
			step = 1000
		}

		sm.folderLock.Lock()
		sm.registryLock.Lock()
		sm.testLock.Lock()
		if atomic.CompareAndSwapUint32(&sm.testerReset, 1, 0) {
			folderIdx = 0
			cnt = 0
		}
		cnt += step
		if cnt < freqMs || !sm.folderActions || len(sm.folders) == 0 {
			chunkID = 0
		} else {
			cnt = 0
			if folderIdx >= len(sm.folders) {
				folderIdx = 0
			}
			prev := folderIdx
			for {
				folderIdx++
				if folderIdx >= len(sm.folders) {
					folderIdx = 0
				}
				if !sm.folderUntestable(sm.folders[folderIdx]) || folderIdx == prev {
					break
				}
			}
			f := sm.folders[folderIdx]
			if !sm.folderUntestable(f) {
				if c := f.chunks.chunkToTest(); c != nil && c.state == chunkAvail {
					chunkID = c.id
					version = c.version
					ctype = c.ctype
				}
			}
		}
		sm.testLock.Unlock()
		sm.registryLock.Unlock()
		sm.folderLock.Unlock()

		if chunkID > 0 {
			if err := sm.TestChunk(chunkID, version, ctype); err != nil {
				sm.ReportDamagedChunk(chunkID, ctype)
			}
		}

		elapsed := (timeutil.NowMicro() - start) / 1000
		if elapsed < uint64(step) {
			if !sm.sleepInterruptible(time.Duration(uint64(step)-elapsed) * time.Millisecond) {
				return
			}
		}
	}
}

// testChunkThread services the priority test queue, rate-limited to one
// verification per second. Items either confirm as corrupted (damaged
// report) or are logged as false alarms.
func (sm *SpaceManager) testChunkThread() {
	defer sm.wg.Done()

	bucket := tokenbucket.New(sm.clock.Now(), 1, 1)
	for {
		select {
		case <-sm.term:
			return
		default:
		}

		item, ok := sm.testQueue.get()
		if !ok {
			if !sm.sleepInterruptible(time.Second) {
				return
			}
			continue
		}
		for bucket.Attempt(sm.clock.Now(), 1) == 0 {
			if !sm.sleepInterruptible(100 * time.Millisecond) {
				return
			}
		}

		if err := sm.TestChunk(item.ID, item.Version, item.Type); err != nil {
			log.LogWarnf("chunk %v corrupted (detected by a client): %v", item, err)
			sm.ReportDamagedChunk(item.ID, item.Type)
		} else {
			log.LogInfof("chunk %v spuriously reported as corrupted", item)
		}
	}
}

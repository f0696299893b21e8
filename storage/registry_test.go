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
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/proto"
)

// Property 1: one chunk object per (id, type) regardless of concurrent
// acquire/release/test traffic.
func TestRegistryUniquenessUnderConcurrency(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	const chunkID = 0x300

	require.NoError(t, sm.CreateChunk(chunkID, 1, std))
	writeBlock(t, sm, chunkID, 1, 0, fillBuf(0x42))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c := sm.chunkFind(chunkID, std)
				if c != nil {
					runtime.Gosched()
					sm.chunkRelease(c)
				}
			}
		}()
	}
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				sm.TestChunk(chunkID, 1, std)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, sm.RegisteredChunkCount())
	c := sm.chunkFind(chunkID, std)
	require.NotNil(t, c)
	require.Equal(t, chunkLocked, c.state)
	sm.chunkRelease(c)
}

func TestExclusiveAcquireConflicts(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x301, 1, std))

	// AVAIL chunk: exclusive acquire must refuse.
	require.Nil(t, sm.chunkGet(0x301, std, newExclusive, proto.FormatSplit))

	// LOCKED chunk: same.
	c := sm.chunkFind(0x301, std)
	require.NotNil(t, c)
	require.Nil(t, sm.chunkGet(0x301, std, newExclusive, proto.FormatSplit))
	sm.chunkRelease(c)
}

// A delete requested while the chunk is locked defers until release and wakes
// the waiter with a DELETED verdict.
func TestDeleteWhileLockedDefers(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x302, 1, std))

	holder := sm.chunkFind(0x302, std)
	require.NotNil(t, holder)

	// Simulate the drain path marking the held chunk for deletion.
	sm.registryLock.Lock()
	holder.state = chunkToBeDeleted
	sm.registryLock.Unlock()

	done := make(chan *Chunk, 1)
	go func() {
		done <- sm.chunkFind(0x302, std) // blocks until the holder releases
	}()

	time.Sleep(50 * time.Millisecond)
	sm.chunkRelease(holder)

	select {
	case got := <-done:
		require.Nil(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke up")
	}
	require.Zero(t, sm.RegisteredChunkCount())
}

func TestFindMissingChunk(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	require.Nil(t, sm.chunkFind(0xDEAD, proto.StandardChunkPartType()))

	var err error
	_, err = sm.GetBlocks(0xDEAD, proto.StandardChunkPartType(), 0)
	require.ErrorIs(t, err, proto.StatusNoChunk)
}

// A chunk whose backing file disappeared is reported damaged and dropped on
// the next plain acquire.
func TestAcquireDropsChunkWithMissingFile(t *testing.T) {
	sm, dirs := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x303, 1, std))
	sm.GetDamagedChunks(100)

	require.NoError(t, os.Remove(chunkFilePath(dirs[0], 0x303, 1, proto.FormatSplit)))
	require.Nil(t, sm.chunkFind(0x303, std))
	require.Zero(t, sm.RegisteredChunkCount())
	require.Len(t, sm.GetDamagedChunks(100), 1)
}

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

	"github.com/chunkfs/chunkfs/proto"
)

// masterReports holds the FIFO queues drained by the protocol layer and
// forwarded to the master.
type masterReports struct {
	mu        sync.Mutex
	damaged   []proto.ChunkWithType
	lost      []proto.ChunkWithType
	newChunks []proto.ChunkWithVersionAndType
}

// ReportDamagedChunk enqueues a damaged-chunk report.
func (sm *SpaceManager) ReportDamagedChunk(chunkID uint64, ctype proto.ChunkPartType) {
	r := &sm.reports
	r.mu.Lock()
	r.damaged = append(r.damaged, proto.ChunkWithType{ID: chunkID, Type: ctype})
	r.mu.Unlock()
}

// GetDamagedChunks drains up to limit damaged-chunk reports.
func (sm *SpaceManager) GetDamagedChunks(limit int) []proto.ChunkWithType {
	r := &sm.reports
	r.mu.Lock()
	defer r.mu.Unlock()
	out := drainChunkReports(&r.damaged, limit)
	return out
}

func (sm *SpaceManager) ReportLostChunk(chunkID uint64, ctype proto.ChunkPartType) {
	r := &sm.reports
	r.mu.Lock()
	r.lost = append(r.lost, proto.ChunkWithType{ID: chunkID, Type: ctype})
	r.mu.Unlock()
}

func (sm *SpaceManager) GetLostChunks(limit int) []proto.ChunkWithType {
	r := &sm.reports
	r.mu.Lock()
	defer r.mu.Unlock()
	return drainChunkReports(&r.lost, limit)
}

// ReportNewChunk enqueues a new-chunk report with the folder's to-delete flag
// folded into the version.
func (sm *SpaceManager) ReportNewChunk(chunkID uint64, version uint32, todel bool, ctype proto.ChunkPartType) {
	item := proto.ChunkWithVersionAndType{
		ID:      chunkID,
		Version: proto.CombineVersionWithTodelFlag(version, todel),
		Type:    ctype,
	}
	r := &sm.reports
	r.mu.Lock()
	r.newChunks = append(r.newChunks, item)
	r.mu.Unlock()
}

func (sm *SpaceManager) GetNewChunks(limit int) []proto.ChunkWithVersionAndType {
	r := &sm.reports
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.newChunks)
	if n > limit {
		n = limit
	}
	out := make([]proto.ChunkWithVersionAndType, n)
	copy(out, r.newChunks[:n])
	r.newChunks = r.newChunks[n:]
	return out
}

func drainChunkReports(q *[]proto.ChunkWithType, limit int) []proto.ChunkWithType {
	n := len(*q)
	if n > limit {
		n = limit
	}
	out := make([]proto.ChunkWithType, n)
	copy(out, (*q)[:n])
	*q = (*q)[n:]
	return out
}

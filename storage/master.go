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
	"github.com/chunkfs/chunkfs/proto"
)

const maxDiskInfoPathLen = 255

// DiskInfo snapshots every folder for the master's disk report.
func (sm *SpaceManager) DiskInfo() []proto.DiskInfo {
	sm.folderLock.Lock()
	defer sm.folderLock.Unlock()

	infos := make([]proto.DiskInfo, 0, len(sm.folders))
	for _, f := range sm.folders {
		var di proto.DiskInfo
		di.Path = f.path
		if len(di.Path) > maxDiskInfoPathLen {
			const dots = "(...)"
			keep := maxDiskInfoPathLen - len(dots)
			di.Path = dots + di.Path[len(di.Path)-keep:]
		}
		if f.isMarkedForDeletion() {
			di.Flags |= proto.DiskToDeleteFlag
		}
		if f.isDamaged {
			di.Flags |= proto.DiskDamagedFlag
		}
		if f.scanState == ScanInProgress {
			di.Flags |= proto.DiskScanInProgressFlag
		}
		ei := (f.lastErrorIndex + (lastErrorSize - 1)) % lastErrorSize
		di.ErrorChunkID = f.lastErrorTab[ei].chunkID
		di.ErrorTimestamp = f.lastErrorTab[ei].timestamp
		if f.scanState == ScanInProgress {
			di.Used = uint64(f.scanProgress)
			di.Total = 0
		} else {
			di.Used = f.totalSpace - f.availableSpace
			di.Total = f.totalSpace
		}
		sm.testLock.Lock()
		di.ChunkCount = uint32(f.chunks.size())
		sm.testLock.Unlock()

		s := f.stats[f.statsPos]
		di.LastMinute = s
		for pos := 1; pos < 60; pos++ {
			s.Add(&f.stats[(f.statsPos+pos)%statsHistory])
		}
		di.LastHour = s
		for pos := 60; pos < statsHistory; pos++ {
			s.Add(&f.stats[(f.statsPos+pos)%statsHistory])
		}
		di.LastDay = s
		infos = append(infos, di)
	}
	return infos
}

// MoveStats rotates every folder's per-minute statistics ring. Called once a
// minute by the folders thread.
func (sm *SpaceManager) MoveStats() {
	sm.folderLock.Lock()
	defer sm.folderLock.Unlock()
	for _, f := range sm.folders {
		if f.statsPos == 0 {
			f.statsPos = statsHistory - 1
		} else {
			f.statsPos--
		}
		f.stats[f.statsPos] = f.currentStat.drain()
	}
}

// SpaceInfo is the usage summary reported to the master, split between
// regular folders and folders that only drain.
type SpaceInfo struct {
	UsedSpace      uint64
	TotalSpace     uint64
	ChunkCount     uint32
	ToDelUsedSpace uint64
	ToDelTotal     uint64
	ToDelChunks    uint32
}

// GetSpace sums usage over all working folders, excluding damaged and removed
// ones.
func (sm *SpaceManager) GetSpace() (info SpaceInfo) {
	var avail, total, tdAvail, tdTotal uint64

	sm.folderLock.Lock()
	defer sm.folderLock.Unlock()
	for _, f := range sm.folders {
		if f.isDamaged || f.wasRemovedFromConfig {
			continue
		}
		sm.testLock.Lock()
		chunkCount := uint32(f.chunks.size())
		sm.testLock.Unlock()
		if !f.isMarkedForDeletion() {
			if f.scanState == ScanWorking {
				avail += f.availableSpace
				total += f.totalSpace
			}
			info.ChunkCount += chunkCount
		} else {
			if f.scanState == ScanWorking {
				tdAvail += f.availableSpace
				tdTotal += f.totalSpace
			}
			info.ToDelChunks += chunkCount
		}
	}
	info.UsedSpace = total - avail
	info.TotalSpace = total
	info.ToDelUsedSpace = tdTotal - tdAvail
	info.ToDelTotal = tdTotal
	return
}

// ForEachChunkInBulks streams every registered chunk to the callback in
// bulks, used for master (re)registration. Chunks busy at the first pass are
// revisited once they become available.
func (sm *SpaceManager) ForEachChunkInBulks(bulkCallback func([]proto.ChunkWithVersionAndType), bulkSize int) {
	bulk := make([]proto.ChunkWithVersionAndType, 0, bulkSize)
	var recheck []proto.ChunkWithType

	flushIfFull := func() {
		if len(bulk) >= bulkSize {
			bulkCallback(bulk)
			bulk = bulk[:0]
		}
	}
	addChunk := func(c *Chunk) {
		todel := c.owner != nil && c.owner.isMarkedForDeletion()
		bulk = append(bulk, proto.ChunkWithVersionAndType{
			ID:      c.id,
			Version: proto.CombineVersionWithTodelFlag(c.version, todel),
			Type:    c.ctype,
		})
	}

	// First pass: snapshot everything immediately available; busy chunks go
	// to the recheck list. The callback runs without the registry lock.
	sm.registryLock.Lock()
	available := make([]*Chunk, 0, len(sm.registry))
	for _, c := range sm.registry {
		if c.state != chunkAvail {
			recheck = append(recheck, proto.ChunkWithType{ID: c.id, Type: c.ctype})
			continue
		}
		available = append(available, c)
	}
	items := make([]proto.ChunkWithVersionAndType, 0, len(available))
	for _, c := range available {
		todel := c.owner != nil && c.owner.isMarkedForDeletion()
		items = append(items, proto.ChunkWithVersionAndType{
			ID:      c.id,
			Version: proto.CombineVersionWithTodelFlag(c.version, todel),
			Type:    c.ctype,
		})
	}
	sm.registryLock.Unlock()

	for _, item := range items {
		flushIfFull()
		bulk = append(bulk, item)
	}
	if len(bulk) > 0 {
		bulkCallback(bulk)
		bulk = bulk[:0]
	}

	// Wait for each busy chunk to become available, then report it.
	for _, ct := range recheck {
		flushIfFull()
		if c := sm.chunkFind(ct.ID, ct.Type); c != nil {
			addChunk(c)
			sm.chunkRelease(c)
		}
	}
	if len(bulk) > 0 {
		bulkCallback(bulk)
	}
}

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
	"sync/atomic"

	"github.com/chunkfs/chunkfs/util/exporter"
	"github.com/chunkfs/chunkfs/util/timeutil"
)

// hddStats keeps process-wide I/O counters. They are drained by the protocol
// layer for charts, so plain atomics without cross-field consistency are fine.
type hddStats struct {
	overheadBytesR uint64
	overheadBytesW uint64
	overheadOpR    uint32
	overheadOpW    uint32
	totalBytesR    uint64
	totalBytesW    uint64
	totalOpR       uint32
	totalOpW       uint32
	totalRTime     uint64
	totalWTime     uint64

	opCreate    uint32
	opDelete    uint32
	opTest      uint32
	opVersion   uint32
	opDuplicate uint32
	opTruncate  uint32
	opDupTrunc  uint32

	mBytesRead    *exporter.Counter
	mBytesWritten *exporter.Counter
	mErrors       *exporter.Counter
	mOps          *exporter.Counter
}

func newHddStats() *hddStats {
	return &hddStats{
		mBytesRead:    exporter.NewCounter("hdd_read_bytes"),
		mBytesWritten: exporter.NewCounter("hdd_write_bytes"),
		mErrors:       exporter.NewCounter("hdd_errors"),
		mOps:          exporter.NewCounter("hdd_chunk_ops"),
	}
}

func (s *hddStats) overheadRead(size uint32) {
	atomic.AddUint32(&s.overheadOpR, 1)
	atomic.AddUint64(&s.overheadBytesR, uint64(size))
}

func (s *hddStats) overheadWrite(size uint32) {
	atomic.AddUint32(&s.overheadOpW, 1)
	atomic.AddUint64(&s.overheadBytesW, uint64(size))
}

func (s *hddStats) totalRead(f *Folder, size, rtime uint64) {
	if rtime == 0 {
		return
	}
	atomic.AddUint32(&s.totalOpR, 1)
	atomic.AddUint64(&s.totalBytesR, size)
	atomic.AddUint64(&s.totalRTime, rtime)
	s.mBytesRead.Add(float64(size))
	f.currentStat.addRead(size, rtime)
}

func (s *hddStats) totalWrite(f *Folder, size, wtime uint64) {
	if wtime == 0 {
		return
	}
	atomic.AddUint32(&s.totalOpW, 1)
	atomic.AddUint64(&s.totalBytesW, size)
	atomic.AddUint64(&s.totalWTime, wtime)
	s.mBytesWritten.Add(float64(size))
	f.currentStat.addWrite(size, wtime)
}

func (s *hddStats) dataFsync(f *Folder, fsynctime uint64) {
	if fsynctime == 0 {
		return
	}
	atomic.AddUint64(&s.totalWTime, fsynctime)
	f.currentStat.addFsync(fsynctime)
}

// HddIOStats is the drained snapshot of process-wide I/O counters.
type HddIOStats struct {
	OverheadBytesR uint64
	OverheadBytesW uint64
	OverheadOpR    uint32
	OverheadOpW    uint32
	TotalBytesR    uint64
	TotalBytesW    uint64
	TotalOpR       uint32
	TotalOpW       uint32
	TotalRTimeUsec uint64
	TotalWTimeUsec uint64
}

// Stats drains and returns the process-wide I/O counters.
func (sm *SpaceManager) Stats() HddIOStats {
	s := sm.stats
	return HddIOStats{
		OverheadBytesR: atomic.SwapUint64(&s.overheadBytesR, 0),
		OverheadBytesW: atomic.SwapUint64(&s.overheadBytesW, 0),
		OverheadOpR:    atomic.SwapUint32(&s.overheadOpR, 0),
		OverheadOpW:    atomic.SwapUint32(&s.overheadOpW, 0),
		TotalBytesR:    atomic.SwapUint64(&s.totalBytesR, 0),
		TotalBytesW:    atomic.SwapUint64(&s.totalBytesW, 0),
		TotalOpR:       atomic.SwapUint32(&s.totalOpR, 0),
		TotalOpW:       atomic.SwapUint32(&s.totalOpW, 0),
		TotalRTimeUsec: atomic.SwapUint64(&s.totalRTime, 0),
		TotalWTimeUsec: atomic.SwapUint64(&s.totalWTime, 0),
	}
}

// HddOpStats is the drained snapshot of chunk operation counters.
type HddOpStats struct {
	Create    uint32
	Delete    uint32
	Version   uint32
	Duplicate uint32
	Truncate  uint32
	DupTrunc  uint32
	Test      uint32
}

// OpStats drains and returns the chunk operation counters.
func (sm *SpaceManager) OpStats() HddOpStats {
	s := sm.stats
	return HddOpStats{
		Create:    atomic.SwapUint32(&s.opCreate, 0),
		Delete:    atomic.SwapUint32(&s.opDelete, 0),
		Version:   atomic.SwapUint32(&s.opVersion, 0),
		Duplicate: atomic.SwapUint32(&s.opDuplicate, 0),
		Truncate:  atomic.SwapUint32(&s.opTruncate, 0),
		DupTrunc:  atomic.SwapUint32(&s.opDupTrunc, 0),
		Test:      atomic.SwapUint32(&s.opTest, 0),
	}
}

func (s *hddStats) countOp(counter *uint32) {
	atomic.AddUint32(counter, 1)
	s.mOps.Inc()
}

// ioStopwatch measures one folder-attributed I/O; abandoned stopwatches (on
// syscall failure) record nothing.
type ioStopwatch struct {
	start uint64
	size  uint64
}

func startIOStopwatch(size uint64) ioStopwatch {
	return ioStopwatch{start: timeutil.NowMicro(), size: size}
}

func (w ioStopwatch) commitRead(s *hddStats, f *Folder) {
	s.totalRead(f, w.size, timeutil.NowMicro()-w.start)
}

func (w ioStopwatch) commitWrite(s *hddStats, f *Folder) {
	s.totalWrite(f, w.size, timeutil.NowMicro()-w.start)
}

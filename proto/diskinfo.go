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

package proto

// HddStatistics aggregates per-folder I/O activity over one stats slot
// (one minute) or a rollup of many slots.
type HddStatistics struct {
	Rbytes    uint64
	Wbytes    uint64
	Rops      uint32
	Wops      uint32
	Fsyncops  uint32
	ReadUsec  uint64
	WriteUsec uint64
	FsyncUsec uint64
	ReadMax   uint32
	WriteMax  uint32
	FsyncMax  uint32
}

// Add merges another slot into the rollup. Maxima are kept, sums are added.
func (s *HddStatistics) Add(o *HddStatistics) {
	s.Rbytes += o.Rbytes
	s.Wbytes += o.Wbytes
	s.Rops += o.Rops
	s.Wops += o.Wops
	s.Fsyncops += o.Fsyncops
	s.ReadUsec += o.ReadUsec
	s.WriteUsec += o.WriteUsec
	s.FsyncUsec += o.FsyncUsec
	if o.ReadMax > s.ReadMax {
		s.ReadMax = o.ReadMax
	}
	if o.WriteMax > s.WriteMax {
		s.WriteMax = o.WriteMax
	}
	if o.FsyncMax > s.FsyncMax {
		s.FsyncMax = o.FsyncMax
	}
}

func (s *HddStatistics) Clear() {
	*s = HddStatistics{}
}

// Disk info flags reported to the master.
const (
	DiskToDeleteFlag       = 1 << 0
	DiskDamagedFlag        = 1 << 1
	DiskScanInProgressFlag = 1 << 2
)

// DiskInfo is a point-in-time snapshot of one data folder, drained by the
// protocol layer and forwarded to the master.
type DiskInfo struct {
	Path           string
	Flags          uint8
	ErrorChunkID   uint64
	ErrorTimestamp int64
	Used           uint64
	Total          uint64
	ChunkCount     uint32
	LastMinute     HddStatistics
	LastHour       HddStatistics
	LastDay        HddStatistics
}

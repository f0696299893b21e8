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

import "fmt"

// ChunkPartType identifies the replication role of a chunk: either a full
// standard replica or one part of an erasure-coded chunk. It is part of the
// chunk's identity together with the chunk id.
type ChunkPartType struct {
	Part  uint8 // 1-based part index, 0 for a standard replica
	Total uint8 // total number of parts, 0 for a standard replica
}

// MaxECParts bounds the part count encodable in a single signature byte.
const MaxECParts = 15

func StandardChunkPartType() ChunkPartType {
	return ChunkPartType{}
}

func ECChunkPartType(part, total uint8) ChunkPartType {
	return ChunkPartType{Part: part, Total: total}
}

func (t ChunkPartType) IsStandard() bool {
	return t.Total == 0
}

// ID packs the part type into the single byte stored in the chunk signature.
func (t ChunkPartType) ID() uint8 {
	if t.IsStandard() {
		return 0
	}
	return (t.Total&0xF)<<4 | (t.Part & 0xF)
}

func ChunkPartTypeFromID(id uint8) ChunkPartType {
	if id == 0 {
		return ChunkPartType{}
	}
	return ChunkPartType{Part: id & 0xF, Total: id >> 4}
}

func (t ChunkPartType) String() string {
	if t.IsStandard() {
		return "std"
	}
	return fmt.Sprintf("ec2_%d_of_%d", t.Part, t.Total)
}

// ChunkFormat selects the on-disk layout of a chunk file.
type ChunkFormat uint8

const (
	// FormatImproper means "use the configured default format".
	FormatImproper ChunkFormat = iota
	// FormatSplit stores a signature header and a CRC table in front of the
	// data blocks.
	FormatSplit
	// FormatInterleaved stores (crc, data) tuples with no header.
	FormatInterleaved
)

func (f ChunkFormat) String() string {
	switch f {
	case FormatSplit:
		return "split"
	case FormatInterleaved:
		return "interleaved"
	default:
		return "improper"
	}
}

// ChunkWithType is the key of a chunk in damaged/lost master reports.
type ChunkWithType struct {
	ID   uint64
	Type ChunkPartType
}

func (c ChunkWithType) String() string {
	return fmt.Sprintf("%016X_%v", c.ID, c.Type)
}

// ChunkWithVersionAndType is the item of new-chunk master reports and of the
// priority test queue.
type ChunkWithVersionAndType struct {
	ID      uint64
	Version uint32
	Type    ChunkPartType
}

func (c ChunkWithVersionAndType) String() string {
	return fmt.Sprintf("%016X_%08X_%v", c.ID, c.Version, c.Type)
}

const todelFlagMask = uint32(1) << 31

// CombineVersionWithTodelFlag folds the owning folder's marked-for-deletion
// state into the version reported to the master.
func CombineVersionWithTodelFlag(version uint32, todel bool) uint32 {
	if todel {
		return version | todelFlagMask
	}
	return version &^ todelFlagMask
}

func VersionWithoutTodelFlag(version uint32) (uint32, bool) {
	return version &^ todelFlagMask, version&todelFlagMask != 0
}

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
	"fmt"
	"regexp"
	"strconv"

	"github.com/chunkfs/chunkfs/proto"
)

const (
	splitFileExt       = ".dat"
	interleavedFileExt = ".idat"

	// maxECPartsKept is the largest part count ec2 supports; legacy files
	// with more parts are dropped during scan.
	maxECPartsKept   = 4
	maxLegacyECParts = 32
)

// Filenames:
//
//	chunk_<id:016X>_<version:08X>.dat
//	chunk_ec2_<part>_of_<total>_<id:016X>_<version:08X>.idat
//
// Legacy erasure-coded parts carry the token "ec" instead of "ec2"; the
// scanner renames or removes them.
var chunkFilenameRegexp = regexp.MustCompile(
	`^chunk_(?:(ec2?)_([0-9]{1,2})_of_([0-9]{1,2})_)?([0-9A-F]{16})_([0-9A-F]{8})\.(dat|idat)$`)

// subfolderNumber maps a chunk id to its directory bucket. The current layout
// hashes bits 16..23 so consecutive ids spread over buckets per 64 K range;
// the legacy layout used the low byte.
func subfolderNumber(chunkID uint64, layoutVersion int) int {
	if layoutVersion == legacyDirectoryLayout {
		return int(chunkID & 0xFF)
	}
	return int((chunkID >> 16) & 0xFF)
}

func subfolderName(subfolderNumber, layoutVersion int) string {
	if layoutVersion == legacyDirectoryLayout {
		return fmt.Sprintf("%02X", subfolderNumber)
	}
	return fmt.Sprintf("chunks%02X", subfolderNumber)
}

func chunkBaseName(chunkID uint64, version uint32, ctype proto.ChunkPartType, format proto.ChunkFormat) string {
	ext := splitFileExt
	if format == proto.FormatInterleaved {
		ext = interleavedFileExt
	}
	if ctype.IsStandard() {
		return fmt.Sprintf("chunk_%016X_%08X%s", chunkID, version, ext)
	}
	return fmt.Sprintf("chunk_ec2_%d_of_%d_%016X_%08X%s", ctype.Part, ctype.Total, chunkID, version, ext)
}

func chunkFilename(folderPath string, chunkID uint64, version uint32,
	ctype proto.ChunkPartType, format proto.ChunkFormat, layoutVersion int) string {
	return folderPath + subfolderName(subfolderNumber(chunkID, layoutVersion), layoutVersion) +
		"/" + chunkBaseName(chunkID, version, ctype, format)
}

// parsedChunkFilename is the result of decoding one directory entry.
type parsedChunkFilename struct {
	chunkID  uint64
	version  uint32
	ctype    proto.ChunkPartType
	format   proto.ChunkFormat
	legacyEC bool
}

func parseChunkFilename(name string) (p parsedChunkFilename, ok bool) {
	m := chunkFilenameRegexp.FindStringSubmatch(name)
	if m == nil {
		return p, false
	}
	if m[1] != "" {
		part, err1 := strconv.ParseUint(m[2], 10, 8)
		total, err2 := strconv.ParseUint(m[3], 10, 8)
		// Legacy names may carry part counts beyond what ec2 supports; the
		// scanner removes those, so accept them here.
		if err1 != nil || err2 != nil || part == 0 || total == 0 ||
			part > total || total > maxLegacyECParts {
			return p, false
		}
		p.ctype = proto.ECChunkPartType(uint8(part), uint8(total))
		p.legacyEC = m[1] == "ec"
	}
	id, err := strconv.ParseUint(m[4], 16, 64)
	if err != nil {
		return p, false
	}
	ver, err := strconv.ParseUint(m[5], 16, 32)
	if err != nil {
		return p, false
	}
	p.chunkID = id
	p.version = uint32(ver)
	p.format = proto.FormatSplit
	if m[6] == "idat" {
		p.format = proto.FormatInterleaved
	}
	return p, true
}

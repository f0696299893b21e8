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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/proto"
)

func TestChunkBaseNameRoundTrip(t *testing.T) {
	cases := []struct {
		id      uint64
		version uint32
		ctype   proto.ChunkPartType
		format  proto.ChunkFormat
	}{
		{0x42, 1, proto.StandardChunkPartType(), proto.FormatSplit},
		{0xDEADBEEF00112233, 0x0A0B0C0D, proto.StandardChunkPartType(), proto.FormatInterleaved},
		{7, 2, proto.ECChunkPartType(1, 4), proto.FormatSplit},
		{7, 2, proto.ECChunkPartType(3, 3), proto.FormatInterleaved},
	}
	for _, tc := range cases {
		name := chunkBaseName(tc.id, tc.version, tc.ctype, tc.format)
		p, ok := parseChunkFilename(name)
		require.True(t, ok, "name %v", name)
		require.Equal(t, tc.id, p.chunkID)
		require.Equal(t, tc.version, p.version)
		require.Equal(t, tc.ctype, p.ctype)
		require.Equal(t, tc.format, p.format)
		require.False(t, p.legacyEC)
	}
}

func TestParseLegacyECName(t *testing.T) {
	p, ok := parseChunkFilename("chunk_ec_2_of_3_0000000000000007_00000002.dat")
	require.True(t, ok)
	require.True(t, p.legacyEC)
	require.Equal(t, proto.ECChunkPartType(2, 3), p.ctype)

	// Large legacy part counts still parse; the scanner drops them.
	p, ok = parseChunkFilename("chunk_ec_9_of_32_0000000000000007_00000002.dat")
	require.True(t, ok)
	require.True(t, p.legacyEC)
	require.EqualValues(t, 32, p.ctype.Total)
}

func TestParseChunkFilenameRejects(t *testing.T) {
	for _, name := range []string{
		"",
		".lock",
		"chunk_0000000000000042_00000001",
		"chunk_0000000000000042_00000001.db",
		"chunk_00000000000042_00000001.dat",
		"chunk_ec2_0_of_3_0000000000000007_00000002.dat",
		"chunk_ec2_4_of_3_0000000000000007_00000002.dat",
		"notachunk_0000000000000042_00000001.dat",
	} {
		_, ok := parseChunkFilename(name)
		require.False(t, ok, "name %v", name)
	}
}

func TestSubfolderHashing(t *testing.T) {
	require.Equal(t, 0x42, subfolderNumber(0x42, legacyDirectoryLayout))
	require.Equal(t, 0x00, subfolderNumber(0x42, currentDirectoryLayout))
	require.Equal(t, 0xAB, subfolderNumber(0xAB0000, currentDirectoryLayout))
	require.Equal(t, "chunksAB", subfolderName(0xAB, currentDirectoryLayout))
	require.Equal(t, "AB", subfolderName(0xAB, legacyDirectoryLayout))
}

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
	"hash/crc32"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/proto"
)

func TestCreateExistingChunkConflicts(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x200, 1, std))
	require.ErrorIs(t, sm.CreateChunk(0x200, 2, std), proto.StatusChunkExists)
}

func TestDeleteMissingFileStillErases(t *testing.T) {
	sm, dirs := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x201, 1, std))

	require.NoError(t, os.Remove(chunkFilePath(dirs[0], 0x201, 1, proto.FormatSplit)))
	err := sm.DeleteChunk(0x201, 1, std)
	require.Error(t, err)
	require.Zero(t, sm.RegisteredChunkCount())
}

func TestSetChunkVersion(t *testing.T) {
	sm, dirs := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x202, 3, std))
	writeBlock(t, sm, 0x202, 3, 0, fillBuf(0x11))

	require.ErrorIs(t, sm.SetChunkVersion(0x202, 9, 10, std), proto.StatusWrongVersion)
	require.NoError(t, sm.SetChunkVersion(0x202, 3, 4, std))

	// Old name gone, new name present, header version rewritten.
	_, err := os.Stat(chunkFilePath(dirs[0], 0x202, 3, proto.FormatSplit))
	require.ErrorIs(t, err, os.ErrNotExist)
	newName := chunkFilePath(dirs[0], 0x202, 4, proto.FormatSplit)
	raw, err := os.ReadFile(newName)
	require.NoError(t, err)
	require.EqualValues(t, 4, beUint32(raw[signatureVersionOffset:signatureVersionOffset+4]))

	crc, data := readBlock(t, sm, 0x202, 4, 0)
	require.Equal(t, crc32.ChecksumIEEE(fillBuf(0x11)), crc)
	require.Equal(t, fillBuf(0x11), data)
}

func TestTruncateLaw(t *testing.T) {
	for _, split := range []bool{true, false} {
		extra := ""
		if !split {
			extra = `, "CREATE_NEW_CHUNKS_IN_MOOSEFS_FORMAT": false`
		}
		sm, _ := newTestEngine(t, 1, extra)
		std := proto.StandardChunkPartType()
		const chunkID = 0x203

		require.NoError(t, sm.CreateChunk(chunkID, 1, std))
		for b := uint16(0); b < 3; b++ {
			writeBlock(t, sm, chunkID, 1, b, fillBuf(0xC0+byte(b)))
		}

		// Shrink to a partial last block.
		const length = 2*BlockSize + 777
		require.NoError(t, sm.TruncateChunk(chunkID, std, 1, 2, length))

		blocks, err := sm.GetBlocks(chunkID, std, 2)
		require.NoError(t, err)
		require.EqualValues(t, 3, blocks, "split=%v", split)

		c := sm.chunkFind(chunkID, std)
		require.NotNil(t, c)
		st, err := os.Stat(c.filename)
		require.NoError(t, err)
		require.Equal(t, c.fileSizeFromBlockCount(3), st.Size(), "split=%v", split)
		sm.chunkRelease(c)

		// The partial block keeps its head and reads zeros afterwards.
		expected := make([]byte, BlockSize)
		copy(expected[:777], fillBuf(0xC2))
		crc, data := readBlock(t, sm, chunkID, 2, 2)
		require.Equal(t, expected, data, "split=%v", split)
		require.Equal(t, crc32.ChecksumIEEE(expected), crc, "split=%v", split)

		// Growing back pads with empty blocks.
		require.NoError(t, sm.TruncateChunk(chunkID, std, 2, 3, 5*BlockSize))
		blocks, err = sm.GetBlocks(chunkID, std, 3)
		require.NoError(t, err)
		require.EqualValues(t, 5, blocks)
		crc, data = readBlock(t, sm, chunkID, 3, 4)
		require.Equal(t, emptyBlockCrc, crc)
		require.Equal(t, zeroBlock[:], data)
	}
}

func TestDuplicateChunk(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x204, 1, std))
	writeBlock(t, sm, 0x204, 1, 0, fillBuf(0xD0))
	writeBlock(t, sm, 0x204, 1, 1, fillBuf(0xD1))

	require.NoError(t, sm.DuplicateChunk(0x204, 1, 1, std, 0x205, 1))

	blocks, err := sm.GetBlocks(0x205, std, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, blocks)
	for b := uint16(0); b < 2; b++ {
		wantBuf := fillBuf(0xD0 + byte(b))
		crc, data := readBlock(t, sm, 0x205, 1, b)
		require.Equal(t, wantBuf, data)
		require.Equal(t, crc32.ChecksumIEEE(wantBuf), crc)
	}
}

// E4: duplicate + truncate in one pass bumps the source version and gives the
// destination a zero-extended partial last block.
func TestDupTruncChunk(t *testing.T) {
	sm, dirs := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	const src, dst = 100, 200

	require.NoError(t, sm.CreateChunk(src, 1, std))
	for b := uint16(0); b < 3; b++ {
		writeBlock(t, sm, src, 1, b, fillBuf(0xE0+byte(b)))
	}

	require.NoError(t, sm.DupTruncChunk(src, 1, 2, std, dst, 1, BlockSize+4))

	// Source carries version 2 on disk now.
	raw, err := os.ReadFile(chunkFilePath(dirs[0], src, 2, proto.FormatSplit))
	require.NoError(t, err)
	require.EqualValues(t, 2, beUint32(raw[signatureVersionOffset:signatureVersionOffset+4]))

	blocks, err := sm.GetBlocks(dst, std, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, blocks)

	crc, data := readBlock(t, sm, dst, 1, 0)
	require.Equal(t, fillBuf(0xE0), data)
	require.Equal(t, crc32.ChecksumIEEE(fillBuf(0xE0)), crc)

	expected := make([]byte, BlockSize)
	copy(expected[:4], fillBuf(0xE1))
	crc, data = readBlock(t, sm, dst, 1, 1)
	require.Equal(t, expected, data)
	require.Equal(t, crcZeroExpanded(fillBuf(0xE1)[:4], BlockSize-4), crc)
}

func TestDupTruncToZeroLength(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x206, 1, std))
	writeBlock(t, sm, 0x206, 1, 0, fillBuf(0x10))

	require.NoError(t, sm.DupTruncChunk(0x206, 1, 1, std, 0x207, 1, 0))
	blocks, err := sm.GetBlocks(0x207, std, 1)
	require.NoError(t, err)
	require.Zero(t, blocks)
}

// E6: the scrubber flags a block whose data was flipped out of band.
func TestScrubberFindsCorruption(t *testing.T) {
	sm, dirs := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	const chunkID = 0x208

	require.NoError(t, sm.CreateChunk(chunkID, 1, std))
	writeBlock(t, sm, chunkID, 1, 0, fillBuf(0x55))
	require.NoError(t, sm.TestChunk(chunkID, 1, std))

	corruptByte(t, chunkFilePath(dirs[0], chunkID, 1, proto.FormatSplit), splitHeaderSize+4242)

	err := sm.TestChunk(chunkID, 1, std)
	require.ErrorIs(t, err, proto.StatusCRC)
}

func TestChunkOpDispatch(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()

	require.NoError(t, sm.ChunkOp(0x209, 1, std, 0, 0, 0, 1))   // create
	require.NoError(t, sm.ChunkOp(0x209, 1, std, 0, 0, 0, 2))   // test
	require.NoError(t, sm.ChunkOp(0x209, 1, std, 2, 0, 0, chunkOpNoLength)) // set version
	require.NoError(t, sm.ChunkOp(0x209, 2, std, 3, 0x20A, 0, chunkOpNoLength)) // duplicate
	require.NoError(t, sm.ChunkOp(0x209, 3, std, 4, 0, 0, BlockSize)) // truncate
	require.ErrorIs(t, sm.ChunkOp(0x209, 4, std, 5, 0, 0, ChunkSize+1), proto.StatusInvalidArgument)
	require.NoError(t, sm.ChunkOp(0x209, 4, std, 0, 0, 0, 0)) // delete
	require.ErrorIs(t, sm.ChunkOp(0x209, 4, std, 0, 0, 0, 9), proto.StatusInvalidArgument)

	blocks, err := sm.GetBlocks(0x20A, std, 3)
	require.NoError(t, err)
	require.Zero(t, blocks)
}

func TestForEachChunkInBulks(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, sm.CreateChunk(id, 1, std))
	}

	var total int
	var bulks int
	sm.ForEachChunkInBulks(func(bulk []proto.ChunkWithVersionAndType) {
		bulks++
		total += len(bulk)
		require.LessOrEqual(t, len(bulk), 2)
	}, 2)
	require.Equal(t, 5, total)
	require.GreaterOrEqual(t, bulks, 3)
}

func TestGetSpaceCountsChunks(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x20B, 1, std))
	require.NoError(t, sm.CreateChunk(0x20C, 1, std))

	info := sm.GetSpace()
	require.EqualValues(t, 2, info.ChunkCount)
	require.NotZero(t, info.TotalSpace)
	require.Zero(t, info.ToDelChunks)
}

func TestOpStatsDrain(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x20D, 1, std))
	require.NoError(t, sm.TestChunk(0x20D, 1, std))

	ops := sm.OpStats()
	require.EqualValues(t, 1, ops.Create)
	require.EqualValues(t, 1, ops.Test)

	ops = sm.OpStats()
	require.Zero(t, ops.Create)
	require.Zero(t, ops.Test)
}

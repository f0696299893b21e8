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
	"bytes"
	"hash/crc32"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/proto"
)

// chunkFilePath returns the on-disk path of a standard chunk in the current
// directory layout.
func chunkFilePath(dir string, chunkID uint64, version uint32, format proto.ChunkFormat) string {
	return chunkFilename(dir, chunkID, version, proto.StandardChunkPartType(), format, currentDirectoryLayout)
}

func corruptByte(t *testing.T, name string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	var b [1]byte
	_, err = f.ReadAt(b[:], offset)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], offset)
	require.NoError(t, err)
}

// E1: create -> write -> read -> delete on the split format.
func TestCreateWriteReadDelete(t *testing.T) {
	sm, dirs := newTestEngine(t, 1, "")
	const chunkID = 0x0000000000000042
	std := proto.StandardChunkPartType()

	require.NoError(t, sm.CreateChunk(chunkID, 1, std))

	buf := fillBuf(0xAA)
	writeBlock(t, sm, chunkID, 1, 0, buf)

	crc, data := readBlock(t, sm, chunkID, 1, 0)
	require.Equal(t, crc32.ChecksumIEEE(buf), crc)
	require.Equal(t, buf, data)

	name := chunkFilePath(dirs[0], chunkID, 1, proto.FormatSplit)
	_, err := os.Stat(name)
	require.NoError(t, err)

	require.NoError(t, sm.DeleteChunk(chunkID, 1, std))
	_, err = os.Stat(name)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Zero(t, sm.RegisteredChunkCount())
}

// E3: version zero matches anything, mismatching versions are rejected.
func TestVersionMismatch(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x43, 7, std))

	buf := fillBuf(0x01)
	err := sm.Write(0x43, 8, std, 0, 0, BlockSize, crc32.ChecksumIEEE(buf), buf)
	require.ErrorIs(t, err, proto.StatusWrongVersion)

	require.NoError(t, sm.Write(0x43, 0, std, 0, 0, BlockSize, crc32.ChecksumIEEE(buf), buf))

	var out bytes.Buffer
	err = sm.Read(0x43, 8, std, 0, BlockSize, 0, 0, &out)
	require.ErrorIs(t, err, proto.StatusWrongVersion)
}

// E2: a partial write over a corrupted block fails the combine precheck.
func TestPartialWriteDetectsCorruption(t *testing.T) {
	sm, dirs := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	const chunkID = 0x44

	require.NoError(t, sm.CreateChunk(chunkID, 1, std))
	writeBlock(t, sm, chunkID, 1, 0, fillBuf(0x00))
	sm.GetDamagedChunks(100) // drain

	name := chunkFilePath(dirs[0], chunkID, 1, proto.FormatSplit)
	corruptByte(t, name, splitHeaderSize+100)

	patch := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	err := sm.Write(chunkID, 1, std, 0, 10, uint32(len(patch)), crc32.ChecksumIEEE(patch), patch)
	require.ErrorIs(t, err, proto.StatusCRC)

	damaged := sm.GetDamagedChunks(100)
	require.Len(t, damaged, 1)
	require.EqualValues(t, chunkID, damaged[0].ID)
}

func TestWriteValidation(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x45, 1, std))
	buf := fillBuf(0x11)

	err := sm.Write(0x45, 1, std, BlocksPerChunk, 0, BlockSize, crc32.ChecksumIEEE(buf), buf)
	require.ErrorIs(t, err, proto.StatusBlockNumTooBig)

	err = sm.Write(0x45, 1, std, 0, BlockSize, 16, crc32.ChecksumIEEE(buf[:16]), buf[:16])
	require.ErrorIs(t, err, proto.StatusWrongOffset)

	err = sm.Write(0x45, 1, std, 0, 0, BlockSize, crc32.ChecksumIEEE(buf)+1, buf)
	require.ErrorIs(t, err, proto.StatusCRC)

	var out bytes.Buffer
	err = sm.Read(0x45, 1, std, BlockSize-8, 16, 0, 0, &out)
	require.ErrorIs(t, err, proto.StatusWrongSize)
	err = sm.Read(0x45, 1, std, 0, 0, 0, 0, &out)
	require.ErrorIs(t, err, proto.StatusWrongSize)
}

// Two identical full-block writes leave identical file bytes and CRC.
func TestFullBlockWriteIdempotent(t *testing.T) {
	sm, dirs := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x46, 1, std))

	buf := fillBuf(0x5C)
	writeBlock(t, sm, 0x46, 1, 0, buf)
	name := chunkFilePath(dirs[0], 0x46, 1, proto.FormatSplit)
	first, err := os.ReadFile(name)
	require.NoError(t, err)

	writeBlock(t, sm, 0x46, 1, 0, buf)
	second, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

// A partial write produces the same stored (data, crc) as the equivalent
// full-block write.
func TestPartialWriteCombineLaw(t *testing.T) {
	for _, split := range []bool{true, false} {
		extra := ""
		if !split {
			extra = `, "CREATE_NEW_CHUNKS_IN_MOOSEFS_FORMAT": false`
		}
		sm, _ := newTestEngine(t, 1, extra)
		std := proto.StandardChunkPartType()

		base := fillBuf(0x77)
		patch := bytes.Repeat([]byte{0x99}, 500)
		const off = 1234

		require.NoError(t, sm.CreateChunk(1, 1, std))
		writeBlock(t, sm, 1, 1, 0, base)
		require.NoError(t, sm.Write(1, 1, std, 0, off, uint32(len(patch)),
			crc32.ChecksumIEEE(patch), patch))

		expected := fillBuf(0x77)
		copy(expected[off:], patch)

		require.NoError(t, sm.CreateChunk(2, 1, std))
		writeBlock(t, sm, 2, 1, 0, expected)

		crc1, data1 := readBlock(t, sm, 1, 1, 0)
		crc2, data2 := readBlock(t, sm, 2, 1, 0)
		require.Equal(t, data2, data1, "split=%v", split)
		require.Equal(t, crc2, crc1, "split=%v", split)
		require.Equal(t, crc32.ChecksumIEEE(expected), crc1, "split=%v", split)
	}
}

// Writing past the current end fills the gap with empty blocks.
func TestWriteBeyondEndFillsEmptyBlocks(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x47, 1, std))

	buf := fillBuf(0x33)
	writeBlock(t, sm, 0x47, 1, 5, buf)

	blocks, err := sm.GetBlocks(0x47, std, 1)
	require.NoError(t, err)
	require.EqualValues(t, 6, blocks)

	for b := uint16(0); b < 5; b++ {
		crc, data := readBlock(t, sm, 0x47, 1, b)
		require.Equal(t, emptyBlockCrc, crc)
		require.Equal(t, zeroBlock[:], data)
	}
	crc, data := readBlock(t, sm, 0x47, 1, 5)
	require.Equal(t, crc32.ChecksumIEEE(buf), crc)
	require.Equal(t, buf, data)
}

// Reads past the last block return zeros with the empty-block CRC.
func TestReadPastEnd(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x48, 1, std))
	writeBlock(t, sm, 0x48, 1, 0, fillBuf(0x01))

	crc, data := readBlock(t, sm, 0x48, 1, 9)
	require.Equal(t, emptyBlockCrc, crc)
	require.Equal(t, zeroBlock[:], data)
}

// Sparse interleaved blocks read back as empty blocks (property 5).
func TestInterleavedSparseBlock(t *testing.T) {
	sm, _ := newTestEngine(t, 1, `, "CREATE_NEW_CHUNKS_IN_MOOSEFS_FORMAT": false`)
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x49, 1, std))

	// Growing by truncate leaves sparse (crc, data) tuples full of zeros.
	require.NoError(t, sm.TruncateChunk(0x49, std, 1, 2, 2*BlockSize))

	crc, data := readBlock(t, sm, 0x49, 2, 1)
	require.Equal(t, emptyBlockCrc, crc)
	require.Equal(t, zeroBlock[:], data)
}

func TestSubRangeReadRewritesCrc(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x4A, 1, std))
	buf := fillBuf(0xAB)
	writeBlock(t, sm, 0x4A, 1, 0, buf)

	var out bytes.Buffer
	require.NoError(t, sm.Read(0x4A, 1, std, 100, 200, 0, 0, &out))
	resp := out.Bytes()
	require.Len(t, resp, crcSize+200)
	require.Equal(t, crc32.ChecksumIEEE(buf[100:300]), beUint32(resp[:crcSize]))
	require.Equal(t, buf[100:300], resp[crcSize:])
}

func TestReadBehindPrefetchPath(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x4B, 1, std))
	for b := uint16(0); b < 4; b++ {
		writeBlock(t, sm, 0x4B, 1, b, fillBuf(byte(b)))
	}

	// Jump straight to block 3 with read-behind enabled.
	var out bytes.Buffer
	require.NoError(t, sm.Read(0x4B, 1, std, 3*BlockSize, BlockSize, 2, 2, &out))
	require.Equal(t, fillBuf(3), out.Bytes()[crcSize:])

	c := sm.chunkFind(0x4B, std)
	require.NotNil(t, c)
	require.EqualValues(t, 4, c.blockExpectedToBeReadNext)
	sm.chunkRelease(c)
}

func TestOpenCloseRefcount(t *testing.T) {
	sm, _ := newTestEngine(t, 1, "")
	std := proto.StandardChunkPartType()
	require.NoError(t, sm.CreateChunk(0x4C, 1, std))

	require.NoError(t, sm.Open(0x4C, std))
	c := sm.chunkFind(0x4C, std)
	require.NotNil(t, c)
	require.Equal(t, 1, c.refCount)
	require.NotNil(t, c.open)
	sm.chunkRelease(c)

	// A forced reclaim pass must not touch the held descriptor.
	sm.freeUnusedChunks(forceFreeNow, 1000)
	c = sm.chunkFind(0x4C, std)
	require.NotNil(t, c.open)
	sm.chunkRelease(c)

	require.NoError(t, sm.Close(0x4C, std))

	// Once idle, the descriptor is reclaimable.
	sm.freeUnusedChunks(forceFreeNow, 1000)
	c = sm.chunkFind(0x4C, std)
	require.Nil(t, c.open)
	sm.chunkRelease(c)
}

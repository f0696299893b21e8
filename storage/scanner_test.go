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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/proto"
)

// A second engine over the same data folder rediscovers the chunks on disk.
func TestScannerRediscoversChunks(t *testing.T) {
	dir := t.TempDir() + "/"
	std := proto.StandardChunkPartType()

	sm1 := newEngineWithDirs(t, []string{dir}, "")
	const chunkID = 0x1234
	require.NoError(t, sm1.CreateChunk(chunkID, 3, std))
	writeBlock(t, sm1, chunkID, 3, 0, fillBuf(0x5A))
	writeBlock(t, sm1, chunkID, 3, 1, fillBuf(0x5B))
	sm1.Term()

	sm2 := newEngineWithDirs(t, []string{dir}, "")
	blocks, err := sm2.GetBlocks(chunkID, std, 3)
	require.NoError(t, err)
	require.EqualValues(t, 2, blocks)

	crc, data := readBlock(t, sm2, chunkID, 3, 1)
	require.Equal(t, fillBuf(0x5B), data)
	require.Equal(t, crc32.ChecksumIEEE(fillBuf(0x5B)), crc)

	// Rediscovered chunks are announced to the master.
	found := false
	for _, nc := range sm2.GetNewChunks(100) {
		if nc.ID == chunkID {
			found = true
			version, todel := proto.VersionWithoutTodelFlag(nc.Version)
			require.EqualValues(t, 3, version)
			require.False(t, todel)
		}
	}
	require.True(t, found)
}

// When two versions of the same chunk exist, the older copy is unlinked.
func TestScannerDropsStaleVersion(t *testing.T) {
	dir := t.TempDir() + "/"
	std := proto.StandardChunkPartType()

	sm1 := newEngineWithDirs(t, []string{dir}, "")
	require.NoError(t, sm1.CreateChunk(0x77, 2, std))
	writeBlock(t, sm1, 0x77, 2, 0, fillBuf(0x01))
	sm1.Term()

	// Plant an older version of the same chunk next to it.
	oldName := chunkFilePath(dir, 0x77, 1, proto.FormatSplit)
	require.NoError(t, os.WriteFile(oldName, make([]byte, splitHeaderSize), 0o644))

	sm2 := newEngineWithDirs(t, []string{dir}, "")
	blocks, err := sm2.GetBlocks(0x77, std, 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, blocks)

	_, err = os.Stat(oldName)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// Legacy "_ec_" parts are renamed to "_ec2_"; unsupported part counts are
// removed.
func TestScannerConvertsLegacyECNames(t *testing.T) {
	dir := t.TempDir() + "/"

	// Legacy layout bucket for id 7 is its low byte.
	legacyDir := dir + subfolderName(0x07, legacyDirectoryLayout)
	require.NoError(t, os.MkdirAll(legacyDir, 0o755))

	keep := legacyDir + "/chunk_ec_2_of_3_0000000000000007_00000002.dat"
	drop := legacyDir + "/chunk_ec_9_of_32_0000000000000007_00000002.dat"
	require.NoError(t, os.WriteFile(keep, make([]byte, splitHeaderSize), 0o644))
	require.NoError(t, os.WriteFile(drop, make([]byte, splitHeaderSize), 0o644))

	sm := newEngineWithDirs(t, []string{dir}, "")

	_, err := os.Stat(keep)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(drop)
	require.ErrorIs(t, err, os.ErrNotExist)

	c := sm.chunkFind(0x07, proto.ECChunkPartType(2, 3))
	require.NotNil(t, c)
	sm.chunkRelease(c)
	require.Nil(t, sm.chunkFind(0x07, proto.ECChunkPartType(9, 32)))
}

// The migrator moves legacy-layout chunks into the current directory tree.
func TestMigratorMovesLegacyLayout(t *testing.T) {
	dir := t.TempDir() + "/"
	std := proto.StandardChunkPartType()

	// id 0xAB0005: legacy bucket 05, current bucket AB.
	const chunkID = 0xAB0005
	legacyDir := dir + subfolderName(subfolderNumber(chunkID, legacyDirectoryLayout), legacyDirectoryLayout)
	require.NoError(t, os.MkdirAll(legacyDir, 0o755))
	legacyName := legacyDir + "/" + chunkBaseName(chunkID, 1, std, proto.FormatSplit)
	require.NoError(t, os.WriteFile(legacyName, make([]byte, splitHeaderSize), 0o644))

	sm := newEngineWithDirs(t, []string{dir}, "")

	newName := chunkFilePath(dir, chunkID, 1, proto.FormatSplit)
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(newName); err == nil {
			break
		}
		sm.CheckFolders()
		time.Sleep(20 * time.Millisecond)
	}
	_, err := os.Stat(newName)
	require.NoError(t, err)
	_, err = os.Stat(legacyName)
	require.ErrorIs(t, err, os.ErrNotExist)

	blocks, err := sm.GetBlocks(chunkID, std, 1)
	require.NoError(t, err)
	require.Zero(t, blocks)
}

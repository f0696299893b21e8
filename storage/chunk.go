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
	"container/list"
	"fmt"
	"os"
	"sync"

	"github.com/chunkfs/chunkfs/proto"
)

type chunkState uint8

const (
	chunkAvail chunkState = iota
	chunkLocked
	chunkToBeDeleted
	chunkDeleted
)

// condWaiters is a condition variable with a waiter count, attached on demand
// to chunks that currently have threads waiting for them and recycled through
// the registry's free list afterwards.
type condWaiters struct {
	cond    *sync.Cond
	waiters int
}

// Chunk is the in-memory state of one chunk file. All mutable fields are
// guarded by the registry lock except those only touched while the chunk is
// in chunkLocked state by its single locker.
type Chunk struct {
	id      uint64
	ctype   proto.ChunkPartType
	format  proto.ChunkFormat
	version uint32
	blocks  uint16

	owner    *Folder
	filename string
	layout   int

	state      chunkState
	cond       *condWaiters
	open       *OpenChunk
	validAttr  bool
	wasChanged bool
	refCount   int

	blockExpectedToBeReadNext uint16

	// position in the owner's test list, guarded by the test lock
	testElem *list.Element
}

func newChunk(chunkID uint64, ctype proto.ChunkPartType, format proto.ChunkFormat, state chunkState) *Chunk {
	return &Chunk{
		id:     chunkID,
		ctype:  ctype,
		format: format,
		state:  state,
		layout: currentDirectoryLayout,
	}
}

func (c *Chunk) ID() uint64                { return c.id }
func (c *Chunk) Type() proto.ChunkPartType { return c.ctype }
func (c *Chunk) Format() proto.ChunkFormat { return c.format }
func (c *Chunk) Version() uint32           { return c.version }
func (c *Chunk) Blocks() uint16            { return c.blocks }

func (c *Chunk) String() string {
	return fmt.Sprintf("%016X_%08X_%v", c.id, c.version, c.ctype)
}

func (c *Chunk) maxBlocksInFile() uint16 {
	return BlocksPerChunk
}

func (c *Chunk) isSplit() bool {
	return c.format == proto.FormatSplit
}

// headerSize is the byte length of everything before the first data block.
func (c *Chunk) headerSize() int64 {
	if c.isSplit() {
		return splitHeaderSize
	}
	return 0
}

func (c *Chunk) crcOffset() int64 {
	return signatureBlockSize
}

func (c *Chunk) crcBlockSize() int64 {
	return crcBlockSize
}

// blockOffset is the file offset where block b starts. For the interleaved
// format this is the offset of the block's CRC, the data follows it.
func (c *Chunk) blockOffset(b int) int64 {
	if c.isSplit() {
		return splitHeaderSize + int64(b)*BlockSize
	}
	return int64(b) * HddBlockSize
}

func (c *Chunk) fileSizeFromBlockCount(blocks int) int64 {
	if c.isSplit() {
		return splitHeaderSize + int64(blocks)*BlockSize
	}
	return int64(blocks) * HddBlockSize
}

func (c *Chunk) isFileSizeValid(size int64) bool {
	if c.isSplit() {
		if size < splitHeaderSize {
			return false
		}
		size -= splitHeaderSize
		return size%BlockSize == 0 && size/BlockSize <= BlocksPerChunk
	}
	return size%HddBlockSize == 0 && size/HddBlockSize <= BlocksPerChunk
}

func (c *Chunk) setBlockCountFromFileSize(size int64) {
	if c.isSplit() {
		c.blocks = uint16((size - splitHeaderSize) / BlockSize)
		return
	}
	c.blocks = uint16(size / HddBlockSize)
}

// rawBlockSize is the per-block unit copied during duplicate: data only for
// split chunks, CRC+data for interleaved ones.
func (c *Chunk) rawBlockSize() int {
	if c.isSplit() {
		return BlockSize
	}
	return HddBlockSize
}

func (c *Chunk) generateFilename(layoutVersion int, version uint32) string {
	return chunkFilename(c.owner.path, c.id, version, c.ctype, c.format, layoutVersion)
}

// setFilenameLayout binds the chunk to a directory layout and recomputes its
// path from the owner folder.
func (c *Chunk) setFilenameLayout(layoutVersion int) {
	c.layout = layoutVersion
	c.filename = c.generateFilename(layoutVersion, c.version)
}

// renameChunkFile moves the on-disk file to the name carrying newVersion in
// the current directory layout. The in-memory version is updated separately
// once the header rewrite succeeds.
func (c *Chunk) renameChunkFile(newVersion uint32) error {
	newName := c.generateFilename(currentDirectoryLayout, newVersion)
	if err := os.Rename(c.filename, newName); err != nil {
		return err
	}
	c.filename = newName
	c.layout = currentDirectoryLayout
	return nil
}

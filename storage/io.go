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
	"encoding/binary"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/chunkfs/chunkfs/proto"
	"github.com/chunkfs/chunkfs/util/bytespool"
	"github.com/chunkfs/chunkfs/util/errors"
	"github.com/chunkfs/chunkfs/util/log"
	"github.com/chunkfs/chunkfs/util/timeutil"
)

// anyVersion makes ioBegin validate the signature against the chunk's own
// version instead of an explicit expected one.
const anyVersion = ^uint32(0)

// chunkTestMove marks the chunk as recently verified so the scrubber rotates
// to colder chunks first.
func (sm *SpaceManager) chunkTestMove(c *Chunk) {
	sm.testLock.Lock()
	if c.owner != nil {
		c.owner.chunks.markAsTested(c)
	}
	sm.testLock.Unlock()
}

// chunkReadCrc loads and validates the split chunk's signature, then reads the
// CRC table into the pooled resource.
func (sm *SpaceManager) chunkReadCrc(c *Chunk, expectedVersion uint32) error {
	var sig ChunkSignature
	if err := sig.readFromFile(c.open.file, 0); err != nil {
		log.LogWarnf("chunk_readcrc: file:%v - read error: %v", c.filename, err)
		return errors.Trace(err, "read signature")
	}
	if !sig.HasValidMagic() {
		log.LogWarnf("chunk_readcrc: file:%v - wrong header", c.filename)
		return proto.StatusIO
	}
	if expectedVersion == anyVersion {
		expectedVersion = c.version
	}
	if c.id != sig.ChunkID || expectedVersion != sig.Version || c.ctype.ID() != sig.Type.ID() {
		log.LogWarnf("chunk_readcrc: file:%v - wrong id/version/type in header (%016X_%08X, typeId %v)",
			c.filename, sig.ChunkID, sig.Version, sig.Type.ID())
		return proto.StatusIO
	}

	crcData := c.open.crcData()
	sw := startIOStopwatch(uint64(len(crcData)))
	if _, err := c.open.file.ReadAt(crcData, c.crcOffset()); err != nil {
		log.LogWarnf("chunk_readcrc: file:%v - read error: %v", c.filename, err)
		return errors.Trace(err, "read crc table")
	}
	sw.commitRead(sm.stats, c.owner)
	sm.stats.overheadRead(uint32(len(crcData)))
	return nil
}

// chunkWriteCrc persists the split chunk's CRC table.
func (sm *SpaceManager) chunkWriteCrc(c *Chunk) error {
	if c.owner != nil {
		c.owner.needRefresh.Store(true)
	}
	crcData := c.open.crcData()
	sw := startIOStopwatch(uint64(len(crcData)))
	if _, err := c.open.file.WriteAt(crcData, c.crcOffset()); err != nil {
		log.LogWarnf("chunk_writecrc: file:%v - write error: %v", c.filename, err)
		return errors.Trace(err, "write crc table")
	}
	sw.commitWrite(sm.stats, c.owner)
	sm.stats.overheadWrite(uint32(len(crcData)))
	return nil
}

func (sm *SpaceManager) openChunkFile(c *Chunk, newFlag bool) (*os.File, error) {
	var (
		file *os.File
		err  error
	)
	for i := 0; i < openRetryCount; i++ {
		if newFlag {
			file, err = os.OpenFile(c.filename, os.O_RDWR|os.O_TRUNC|os.O_CREATE, 0o666)
		} else if c.owner != nil && c.owner.isReadOnly {
			file, err = os.OpenFile(c.filename, os.O_RDONLY, 0)
		} else {
			file, err = os.OpenFile(c.filename, os.O_RDWR, 0)
		}
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, syscall.ENFILE) {
			return nil, err
		}
		// Out of descriptors: back off and force-reclaim a few idle ones.
		sm.clock.Sleep(openRetryDelay << uint(i))
		sm.freeUnusedChunks(forceFreeNow, 4)
	}
	return nil, err
}

// ioBegin opens the chunk for I/O, bumping the descriptor refcount. For split
// chunks a fresh descriptor gets its CRC table loaded (or zeroed with
// newFlag). The chunk must be LOCKED by the caller.
func (sm *SpaceManager) ioBegin(c *Chunk, newFlag bool, expectedVersion uint32) error {
	sm.chunkTestMove(c)
	if c.refCount == 0 {
		// The open pointer is cleared by the pool reclaimer under the
		// registry lock; re-acquiring must happen under it too.
		sm.registryLock.Lock()
		add := c.open == nil
		if !add {
			sm.openChunks.acquire(c.open)
		}
		sm.registryLock.Unlock()

		if add {
			// Try to free some long unused descriptors first.
			sm.freeUnusedChunks(sm.clock.Now().Unix(), maxFreeUnused)
			file, err := sm.openChunkFile(c, newFlag)
			if err != nil {
				log.LogWarnf("hdd_io_begin: file:%v - open error: %v", c.filename, err)
				return errors.Trace(err, "open chunk")
			}
			oc := newOpenChunk(c, file)
			sm.registryLock.Lock()
			c.open = oc
			sm.registryLock.Unlock()
			sm.openChunks.acquireNew(oc)
		}

		if c.isSplit() {
			if newFlag {
				bytespool.Zero(c.open.crcData())
			} else if add {
				if err := sm.chunkReadCrc(c, expectedVersion); err != nil {
					sm.openChunks.release(c.open, sm.clock.Now().Unix())
					log.LogWarnf("hdd_io_begin: file:%v - read error: %v", c.filename, err)
					return err
				}
			}
		}
	}
	c.refCount++
	return nil
}

// ioEnd closes out one I/O: flushes the CRC table and (optionally) fsyncs if
// the chunk was changed, then drops the descriptor refcount. The descriptor
// is released to the pool even when the flush fails.
func (sm *SpaceManager) ioEnd(c *Chunk) error {
	var firstErr error
	if c.wasChanged {
		if c.isSplit() {
			if err := sm.chunkWriteCrc(c); err != nil {
				log.LogWarnf("hdd_io_end: file:%v - write error: %v", c.filename, err)
				firstErr = err
			}
		}
		if firstErr == nil && sm.performFsync.Load() {
			start := timeutil.NowMicro()
			if err := c.open.file.Sync(); err != nil {
				log.LogWarnf("hdd_io_end: file:%v - fsync error: %v", c.filename, err)
				firstErr = errors.Trace(err, "fsync")
			} else {
				sm.stats.dataFsync(c.owner, timeutil.NowMicro()-start)
			}
		}
		if firstErr == nil {
			c.wasChanged = false
		}
	}

	if c.refCount <= 0 {
		log.LogWarnf("hdd_io_end: refcount = 0 - this should never happen!")
		return firstErr
	}
	c.refCount--
	if c.refCount == 0 {
		if sm.adviseNoCache.Load() {
			sm.adviseDontNeed(c)
		}
		sm.openChunks.release(c.open, sm.clock.Now().Unix())
	}
	return firstErr
}

func (sm *SpaceManager) adviseDontNeed(c *Chunk) {
	if c.open == nil {
		return
	}
	unix.Fadvise(int(c.open.file.Fd()), 0, 0, unix.FADV_DONTNEED)
}

// prefetch hints the OS to read blockCount blocks starting at firstBlock.
func (sm *SpaceManager) prefetch(c *Chunk, firstBlock uint16, blockCount uint32) {
	if blockCount == 0 || c.open == nil {
		return
	}
	unix.Fadvise(int(c.open.file.Fd()), c.blockOffset(int(firstBlock)),
		int64(blockCount)*int64(c.rawBlockSize()), unix.FADV_WILLNEED)
}

// readBlockAndCrc fills buf[:HddBlockSize] with the CRC and data of one
// stored block (blocknum < c.blocks). For interleaved chunks a sparse
// all-zero block gets the empty-block CRC substituted. Returns the number of
// bytes actually read from disk.
func (sm *SpaceManager) readBlockAndCrc(c *Chunk, buf []byte, blocknum uint16, errorMsg string) (int, error) {
	if c.isSplit() {
		copy(buf[:crcSize], c.open.crcData()[int(blocknum)*crcSize:])
		sw := startIOStopwatch(BlockSize)
		if _, err := c.open.file.ReadAt(buf[crcSize:HddBlockSize], c.blockOffset(int(blocknum))); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("%v: file:%v - read error: %v", errorMsg, c.filename, err)
			sm.ReportDamagedChunk(c.id, c.ctype)
			return -1, errors.Trace(err, "read block")
		}
		sw.commitRead(sm.stats, c.owner)
		return BlockSize, nil
	}

	sw := startIOStopwatch(HddBlockSize)
	if _, err := c.open.file.ReadAt(buf[:HddBlockSize], c.blockOffset(int(blocknum))); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("%v: file:%v - read error: %v", errorMsg, c.filename, err)
		sm.ReportDamagedChunk(c.id, c.ctype)
		return -1, errors.Trace(err, "read block")
	}
	sw.commitRead(sm.stats, c.owner)
	// Sparse block: zero CRC over all-zero data stands for the empty block.
	if isZeroFilled(buf[:crcSize]) && isZeroFilled(buf[crcSize:HddBlockSize]) {
		binary.BigEndian.PutUint32(buf[:crcSize], emptyBlockCrc)
	}
	return HddBlockSize, nil
}

// readCrcAndBlockInto produces the (crc, data) pair of one block into buf,
// verifying the stored CRC. Reads past the chunk's last block return zeros
// with the empty-block CRC.
func (sm *SpaceManager) readCrcAndBlockInto(c *Chunk, blocknum uint16, buf []byte) error {
	if blocknum >= BlocksPerChunk {
		return proto.StatusBlockNumTooBig
	}
	if blocknum >= c.blocks {
		binary.BigEndian.PutUint32(buf[:crcSize], emptyBlockCrc)
		copy(buf[crcSize:HddBlockSize], zeroBlock[:])
		return nil
	}
	if _, err := sm.readBlockAndCrc(c, buf, blocknum, "read_block_from_chunk"); err != nil {
		return err
	}
	stored := binary.BigEndian.Uint32(buf[:crcSize])
	if stored != blockCrc(buf[crcSize:HddBlockSize]) {
		// Silent corruption: have the scrubber double-check the whole chunk.
		sm.TestChunkAsync(proto.ChunkWithVersionAndType{ID: c.id, Version: c.version, Type: c.ctype})
		return proto.StatusCRC
	}
	return nil
}

// Read serves a sub-block read: it writes a 4-byte big-endian CRC followed by
// the requested bytes into out. Reads must not cross a block boundary.
func (sm *SpaceManager) Read(chunkID uint64, version uint32, ctype proto.ChunkPartType,
	offset, size, maxBlocksToBeReadBehind, blocksToBeReadAhead uint32, out io.Writer) error {
	offsetWithinBlock := offset % BlockSize
	if size == 0 || offsetWithinBlock+size > BlockSize {
		return proto.StatusWrongSize
	}

	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return proto.StatusNoChunk
	}
	defer sm.chunkRelease(c)

	if c.version != version && version > 0 {
		return proto.StatusWrongVersion
	}
	if err := sm.ioBegin(c, false, anyVersion); err != nil {
		sm.errorOccurred(c, err)
		sm.ReportDamagedChunk(c.id, c.ctype)
		return err
	}
	defer sm.ioEnd(c)

	block := uint16(offset / BlockSize)

	// Ask the OS for read ahead and, when requested, re-read blocks that a
	// sequential reader may have skipped.
	if c.blockExpectedToBeReadNext < block && maxBlocksToBeReadBehind > 0 {
		firstBlockToRead := c.blockExpectedToBeReadNext
		if uint32(firstBlockToRead)+maxBlocksToBeReadBehind < uint32(block) {
			firstBlockToRead = block - uint16(maxBlocksToBeReadBehind)
		}
		sm.prefetch(c, firstBlockToRead, blocksToBeReadAhead+uint32(block-firstBlockToRead))
		warm := bytespool.Alloc(HddBlockSize)
		for b := firstBlockToRead; b < block; b++ {
			sm.readCrcAndBlockInto(c, b, warm)
		}
		bytespool.Free(warm)
	} else {
		sm.prefetch(c, block, blocksToBeReadAhead)
	}
	if block+1 > c.blockExpectedToBeReadNext {
		c.blockExpectedToBeReadNext = block + 1
	}

	buf := bytespool.Alloc(HddBlockSize)
	defer bytespool.Free(buf)
	if err := sm.readCrcAndBlockInto(c, block, buf); err != nil {
		return err
	}

	if size == BlockSize {
		if _, err := out.Write(buf[:HddBlockSize]); err != nil {
			return errors.Trace(err, "write output")
		}
		return nil
	}
	// Sub-block read: the response CRC covers only the returned bytes.
	data := buf[crcSize+offsetWithinBlock : crcSize+offsetWithinBlock+size]
	var crcBuf [crcSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], blockCrc(data))
	if _, err := out.Write(crcBuf[:]); err != nil {
		return errors.Trace(err, "write output")
	}
	if _, err := out.Write(data); err != nil {
		return errors.Trace(err, "write output")
	}
	return nil
}

// punchHolesInRange requests hole punching for every 4 KiB-aligned zero run
// of buffer, which was just written at fileOffset. Best effort.
func (sm *SpaceManager) punchHolesInRange(c *Chunk, buffer []byte, fileOffset int64) {
	if !sm.punchHoles.Load() {
		return
	}
	const holeBlock = 4096
	p := 0
	if rem := int(fileOffset % holeBlock); rem != 0 {
		p = holeBlock - rem
	}
	holeStart, holeSize := int64(0), int64(0)
	fd := int(c.open.file.Fd())
	for ; p+holeBlock <= len(buffer); p += holeBlock {
		if isZeroFilled(buffer[p : p+holeBlock]) {
			if holeSize == 0 {
				holeStart = fileOffset + int64(p)
			}
			holeSize += holeBlock
			continue
		}
		if holeSize > 0 {
			unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, holeStart, holeSize)
		}
		holeSize = 0
	}
	if holeSize > 0 {
		unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, holeStart, holeSize)
	}
}

// writePartialBlockAndCrc stores size bytes at offset within a block together
// with the block's new CRC (crcBuf, big endian).
func (sm *SpaceManager) writePartialBlockAndCrc(c *Chunk, buffer []byte, offset, size uint32,
	crcBuf []byte, blocknum uint16, errorMsg string) error {
	if c.isSplit() {
		sw := startIOStopwatch(uint64(size))
		if _, err := c.open.file.WriteAt(buffer[:size], c.blockOffset(int(blocknum))+int64(offset)); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("%v: file:%v - write error: %v", errorMsg, c.filename, err)
			sm.ReportDamagedChunk(c.id, c.ctype)
			return errors.Trace(err, "write block")
		}
		sw.commitWrite(sm.stats, c.owner)
		sm.punchHolesInRange(c, buffer[:size], c.blockOffset(int(blocknum))+int64(offset))
		copy(c.open.crcData()[int(blocknum)*crcSize:], crcBuf[:crcSize])
		return nil
	}

	sw := startIOStopwatch(crcSize)
	if _, err := c.open.file.WriteAt(crcBuf[:crcSize], c.blockOffset(int(blocknum))); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("%v: file:%v - crc write error: %v", errorMsg, c.filename, err)
		sm.ReportDamagedChunk(c.id, c.ctype)
		return errors.Trace(err, "write crc")
	}
	sw.commitWrite(sm.stats, c.owner)

	sw = startIOStopwatch(uint64(size))
	if _, err := c.open.file.WriteAt(buffer[:size], c.blockOffset(int(blocknum))+crcSize+int64(offset)); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("%v: file:%v - write error: %v", errorMsg, c.filename, err)
		sm.ReportDamagedChunk(c.id, c.ctype)
		return errors.Trace(err, "write block")
	}
	sw.commitWrite(sm.stats, c.owner)
	sm.punchHolesInRange(c, buffer[:size], c.blockOffset(int(blocknum))+crcSize+int64(offset))
	return nil
}

func (sm *SpaceManager) writeBlockAndCrc(c *Chunk, buffer, crcBuf []byte, blocknum uint16, errorMsg string) error {
	return sm.writePartialBlockAndCrc(c, buffer, 0, BlockSize, crcBuf, blocknum, errorMsg)
}

// writeLocked performs the write on an already locked and opened chunk.
func (sm *SpaceManager) writeLocked(c *Chunk, version uint32, blocknum uint16,
	offset, size, crc uint32, buffer []byte) error {
	if c.version != version && version > 0 {
		return proto.StatusWrongVersion
	}
	if blocknum >= c.maxBlocksInFile() {
		return proto.StatusBlockNumTooBig
	}
	if size > BlockSize {
		return proto.StatusWrongSize
	}
	if offset >= BlockSize || offset+size > BlockSize {
		return proto.StatusWrongOffset
	}
	if crc != blockCrc(buffer[:size]) {
		return proto.StatusCRC
	}
	c.wasChanged = true

	if offset == 0 && size == BlockSize {
		// Full-block write.
		if blocknum >= c.blocks {
			prevBlocks := c.blocks
			c.blocks = blocknum + 1
			if c.isSplit() {
				crcData := c.open.crcData()
				for i := prevBlocks; i < blocknum; i++ {
					binary.BigEndian.PutUint32(crcData[int(i)*crcSize:], emptyBlockCrc)
				}
			}
		}
		var crcBuf [crcSize]byte
		binary.BigEndian.PutUint32(crcBuf[:], crc)
		return sm.writeBlockAndCrc(c, buffer, crcBuf[:], blocknum, "write_block_to_chunk")
	}

	// Partial-block write: recombine CRCs around the modified range.
	var precrc, postcrc, combinedcrc uint32
	blockbuffer := bytespool.Alloc(HddBlockSize)
	defer bytespool.Free(blockbuffer)

	if blocknum < c.blocks {
		if _, err := sm.readBlockAndCrc(c, blockbuffer, blocknum, "write_block_to_chunk"); err != nil {
			return err
		}
		data := blockbuffer[crcSize:HddBlockSize]
		precrc = blockCrc(data[:offset])
		chcrc := blockCrc(data[offset : offset+size])
		postcrc = blockCrc(data[offset+size:])
		if offset == 0 {
			combinedcrc = crcCombine(chcrc, postcrc, int64(BlockSize-(offset+size)))
		} else {
			combinedcrc = crcCombine(precrc, chcrc, int64(size))
			if offset+size < BlockSize {
				combinedcrc = crcCombine(combinedcrc, postcrc, int64(BlockSize-(offset+size)))
			}
		}
		if binary.BigEndian.Uint32(blockbuffer[:crcSize]) != combinedcrc {
			sm.errorOccurred(c, syscall.Errno(0))
			log.LogWarnf("write_block_to_chunk: file:%v - crc error", c.filename)
			sm.ReportDamagedChunk(c.id, c.ctype)
			return proto.StatusCRC
		}
	} else {
		if err := unix.Ftruncate(int(c.open.file.Fd()), c.fileSizeFromBlockCount(int(blocknum)+1)); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("write_block_to_chunk: file:%v - ftruncate error: %v", c.filename, err)
			sm.ReportDamagedChunk(c.id, c.ctype)
			return errors.Trace(err, "ftruncate")
		}
		prevBlocks := c.blocks
		c.blocks = blocknum + 1
		if c.isSplit() {
			crcData := c.open.crcData()
			for i := prevBlocks; i < blocknum; i++ {
				binary.BigEndian.PutUint32(crcData[int(i)*crcSize:], emptyBlockCrc)
			}
		}
		precrc = crcZeroExpanded(nil, int(offset))
		postcrc = crcZeroExpanded(nil, int(BlockSize-(offset+size)))
	}

	if offset == 0 {
		combinedcrc = crcCombine(crc, postcrc, int64(BlockSize-(offset+size)))
	} else {
		combinedcrc = crcCombine(precrc, crc, int64(size))
		if offset+size < BlockSize {
			combinedcrc = crcCombine(combinedcrc, postcrc, int64(BlockSize-(offset+size)))
		}
	}
	binary.BigEndian.PutUint32(blockbuffer[:crcSize], combinedcrc)
	return sm.writePartialBlockAndCrc(c, buffer, offset, size, blockbuffer[:crcSize],
		blocknum, "write_block_to_chunk")
}

// Write stores size bytes at (blocknum, offset); crc must cover the incoming
// buffer. Full-block writes replace the stored CRC, partial writes recombine
// it after validating the block's current content.
func (sm *SpaceManager) Write(chunkID uint64, version uint32, ctype proto.ChunkPartType,
	blocknum uint16, offset, size, crc uint32, buffer []byte) error {
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return proto.StatusNoChunk
	}
	defer sm.chunkRelease(c)

	if c.version != version && version > 0 {
		return proto.StatusWrongVersion
	}
	if err := sm.ioBegin(c, false, anyVersion); err != nil {
		sm.errorOccurred(c, err)
		sm.ReportDamagedChunk(c.id, c.ctype)
		return err
	}
	werr := sm.writeLocked(c, version, blocknum, offset, size, crc, buffer)
	if eerr := sm.ioEnd(c); werr == nil && eerr != nil {
		sm.errorOccurred(c, eerr)
		sm.ReportDamagedChunk(c.id, c.ctype)
		werr = eerr
	}
	return werr
}

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
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/chunkfs/chunkfs/proto"
	"github.com/chunkfs/chunkfs/util/bytespool"
	"github.com/chunkfs/chunkfs/util/errors"
	"github.com/chunkfs/chunkfs/util/log"
)

// Open locks the chunk, opens its descriptor and keeps it open until Close.
// The replication layer brackets multi-read sequences with Open/Close so each
// Read reuses the descriptor.
func (sm *SpaceManager) Open(chunkID uint64, ctype proto.ChunkPartType) error {
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return proto.StatusNoChunk
	}
	err := sm.ioBegin(c, false, anyVersion)
	if err != nil {
		sm.errorOccurred(c, err)
		sm.ReportDamagedChunk(c.id, c.ctype)
	}
	sm.chunkRelease(c)
	return err
}

// Close drops the reference taken by Open.
func (sm *SpaceManager) Close(chunkID uint64, ctype proto.ChunkPartType) error {
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return proto.StatusNoChunk
	}
	err := sm.ioEnd(c)
	if err != nil {
		sm.errorOccurred(c, err)
		sm.ReportDamagedChunk(c.id, c.ctype)
	}
	sm.chunkRelease(c)
	return err
}

// PrefetchBlocks opens the chunk and issues a read-ahead hint for the given
// block range.
func (sm *SpaceManager) PrefetchBlocks(chunkID uint64, ctype proto.ChunkPartType,
	firstBlock uint16, blockCount uint32) error {
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		log.LogWarnf("error finding chunk for prefetching: %016X", chunkID)
		return proto.StatusNoChunk
	}
	defer sm.chunkRelease(c)

	if err := sm.ioBegin(c, false, anyVersion); err != nil {
		sm.errorOccurred(c, err)
		sm.ReportDamagedChunk(c.id, c.ctype)
		log.LogWarnf("error opening chunk for prefetching: %016X - %v", chunkID, err)
		return err
	}
	sm.prefetch(c, firstBlock, blockCount)
	log.LogDebugf("action[PrefetchBlocks] chunk(%016X) firstBlock(%v) nrOfBlocks(%v)",
		chunkID, firstBlock, blockCount)
	if err := sm.ioEnd(c); err != nil {
		log.LogWarnf("error closing prefetched chunk: %016X - %v", chunkID, err)
		return err
	}
	return nil
}

// CheckVersion verifies a standard chunk's version.
func (sm *SpaceManager) CheckVersion(chunkID uint64, version uint32) error {
	c := sm.chunkFind(chunkID, proto.StandardChunkPartType())
	if c == nil {
		return proto.StatusNoChunk
	}
	defer sm.chunkRelease(c)
	if c.version != version && version > 0 {
		return proto.StatusWrongVersion
	}
	return nil
}

// GetBlocks returns the chunk's block count after a version check.
func (sm *SpaceManager) GetBlocks(chunkID uint64, ctype proto.ChunkPartType, version uint32) (uint16, error) {
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return 0, proto.StatusNoChunk
	}
	defer sm.chunkRelease(c)
	if c.version != version && version > 0 {
		return 0, proto.StatusWrongVersion
	}
	return c.blocks, nil
}

// chunkOverwriteVersion rewrites the version bytes in the split header (the
// interleaved format has none) and updates the in-memory version.
func (sm *SpaceManager) chunkOverwriteVersion(c *Chunk, newVersion uint32) error {
	if c.isSplit() {
		var buf [crcSize]byte
		binary.BigEndian.PutUint32(buf[:], newVersion)
		sw := startIOStopwatch(uint64(len(buf)))
		if _, err := c.open.file.WriteAt(buf[:], signatureVersionOffset); err != nil {
			return errors.Trace(err, "overwrite version")
		}
		sw.commitWrite(sm.stats, c.owner)
		sm.stats.overheadWrite(uint32(len(buf)))
	}
	c.version = newVersion
	return nil
}

// createChunk allocates a folder, inserts the chunk and initializes its file,
// returning it still locked.
func (sm *SpaceManager) createChunk(chunkID uint64, version uint32,
	ctype proto.ChunkPartType) (*Chunk, error) {
	sm.folderLock.Lock()
	f := sm.getFolder()
	if f == nil {
		sm.folderLock.Unlock()
		return nil, proto.StatusNoSpace
	}
	c := sm.chunkCreateEntry(f, chunkID, ctype, version, proto.FormatImproper)
	sm.folderLock.Unlock()
	if c == nil {
		return nil, proto.StatusChunkExists
	}

	if err := sm.ioBegin(c, true, anyVersion); err != nil {
		sm.errorOccurred(c, err)
		sm.chunkDeleteEntry(c)
		return nil, err
	}

	if c.isSplit() {
		hdr := bytespool.Alloc(splitHeaderSize)
		bytespool.Zero(hdr)
		newChunkSignature(chunkID, version, ctype).marshal(hdr)
		sw := startIOStopwatch(splitHeaderSize)
		if _, err := c.open.file.WriteAt(hdr, 0); err != nil {
			bytespool.Free(hdr)
			sm.errorOccurred(c, err)
			log.LogWarnf("create_newchunk: file:%v - write error: %v", c.filename, err)
			sm.ioEnd(c)
			os.Remove(c.filename)
			sm.chunkDeleteEntry(c)
			return nil, errors.Trace(err, "write header")
		}
		sw.commitWrite(sm.stats, c.owner)
		bytespool.Free(hdr)
		sm.stats.overheadWrite(splitHeaderSize)
	}

	if err := sm.ioEnd(c); err != nil {
		sm.errorOccurred(c, err)
		os.Remove(c.filename)
		sm.chunkDeleteEntry(c)
		return nil, err
	}
	return c, nil
}

// CreateChunk creates an empty chunk with the given version.
func (sm *SpaceManager) CreateChunk(chunkID uint64, version uint32, ctype proto.ChunkPartType) error {
	sm.stats.countOp(&sm.stats.opCreate)
	c, err := sm.createChunk(chunkID, version, ctype)
	if err != nil {
		return err
	}
	sm.chunkRelease(c)
	return nil
}

// DeleteChunk unlinks the chunk file and erases the registry entry. The erase
// happens even when the file is already gone.
func (sm *SpaceManager) DeleteChunk(chunkID uint64, version uint32, ctype proto.ChunkPartType) error {
	sm.stats.countOp(&sm.stats.opDelete)
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return proto.StatusNoChunk
	}
	if c.version != version && version > 0 {
		sm.chunkRelease(c)
		return proto.StatusWrongVersion
	}
	if err := os.Remove(c.filename); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("delete_chunk: file:%v - unlink error: %v", c.filename, err)
		if errors.Is(err, os.ErrNotExist) {
			sm.chunkDeleteEntry(c)
		} else {
			sm.chunkRelease(c)
		}
		return errors.Trace(err, "unlink chunk")
	}
	sm.chunkDeleteEntry(c)
	return nil
}

func (sm *SpaceManager) setVersionLocked(c *Chunk, version, newVersion uint32) error {
	if c.version != version && version > 0 {
		return proto.StatusWrongVersion
	}
	if err := c.renameChunkFile(newVersion); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("set_chunk_version: file:%v - rename error: %v", c.filename, err)
		return errors.Trace(err, "rename chunk")
	}
	expected := version
	if version == 0 {
		expected = anyVersion
	}
	if err := sm.ioBegin(c, false, expected); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("set_chunk_version: file:%v - open error: %v", c.filename, err)
		return err
	}
	if err := sm.chunkOverwriteVersion(c, newVersion); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("set_chunk_version: file:%v - write error: %v", c.filename, err)
		sm.ioEnd(c)
		return err
	}
	if err := sm.ioEnd(c); err != nil {
		sm.errorOccurred(c, err)
		return err
	}
	return nil
}

// SetChunkVersion renames the file to the new version and rewrites the header
// version bytes.
func (sm *SpaceManager) SetChunkVersion(chunkID uint64, version, newVersion uint32,
	ctype proto.ChunkPartType) error {
	sm.stats.countOp(&sm.stats.opVersion)
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return proto.StatusNoChunk
	}
	defer sm.chunkRelease(c)
	return sm.setVersionLocked(c, version, newVersion)
}

// TruncateChunk version-updates the chunk and resizes it to length bytes,
// fixing up the CRC of a partial last block.
func (sm *SpaceManager) TruncateChunk(chunkID uint64, ctype proto.ChunkPartType,
	oldVersion, newVersion, length uint32) error {
	sm.stats.countOp(&sm.stats.opTruncate)
	if length > ChunkSize {
		return proto.StatusWrongSize
	}
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return proto.StatusNoChunk
	}
	defer sm.chunkRelease(c)

	// step 1 - change version
	if c.version != oldVersion && oldVersion > 0 {
		return proto.StatusWrongVersion
	}
	if err := c.renameChunkFile(newVersion); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("truncate_chunk: file:%v - rename error: %v", c.filename, err)
		return errors.Trace(err, "rename chunk")
	}
	expected := oldVersion
	if oldVersion == 0 {
		expected = anyVersion
	}
	if err := sm.ioBegin(c, false, expected); err != nil {
		sm.errorOccurred(c, err)
		return err
	}
	if err := sm.chunkOverwriteVersion(c, newVersion); err != nil {
		sm.errorOccurred(c, err)
		log.LogWarnf("truncate_chunk: file:%v - write error: %v", c.filename, err)
		sm.ioEnd(c)
		return err
	}
	c.wasChanged = true

	// step 2 - truncate
	truncErr := sm.truncateLocked(c, length)
	if truncErr != nil {
		sm.ioEnd(c)
		return truncErr
	}
	if err := sm.ioEnd(c); err != nil {
		sm.errorOccurred(c, err)
		return err
	}
	return nil
}

func (sm *SpaceManager) truncateLocked(c *Chunk, length uint32) error {
	fd := int(c.open.file.Fd())
	blocks := (length + BlockSize - 1) / BlockSize

	if blocks > uint32(c.blocks) {
		// Growing: new blocks read back as zeros.
		if c.isSplit() {
			crcData := c.open.crcData()
			for b := uint32(c.blocks); b < blocks; b++ {
				binary.BigEndian.PutUint32(crcData[b*crcSize:], emptyBlockCrc)
			}
		}
		if err := unix.Ftruncate(fd, c.fileSizeFromBlockCount(int(blocks))); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("truncate_chunk: file:%v - ftruncate error: %v", c.filename, err)
			return errors.Trace(err, "ftruncate")
		}
	} else {
		fullBlocks := length / BlockSize
		lastPartial := length - fullBlocks*BlockSize
		if lastPartial > 0 {
			// Cut to the exact byte length first so the tail of the partial
			// block is dropped, then pad back to the block-aligned size.
			byteLen := c.fileSizeFromBlockCount(int(fullBlocks)) + int64(lastPartial)
			if !c.isSplit() {
				byteLen += crcSize
			}
			if err := unix.Ftruncate(fd, byteLen); err != nil {
				sm.errorOccurred(c, err)
				log.LogWarnf("truncate_chunk: file:%v - ftruncate error: %v", c.filename, err)
				return errors.Trace(err, "ftruncate")
			}
		}
		if err := unix.Ftruncate(fd, c.fileSizeFromBlockCount(int(blocks))); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("truncate_chunk: file:%v - ftruncate error: %v", c.filename, err)
			return errors.Trace(err, "ftruncate")
		}
		if lastPartial > 0 {
			offset := c.blockOffset(int(fullBlocks))
			if !c.isSplit() {
				offset += crcSize
			}
			buf := bytespool.Alloc(BlockSize)
			defer bytespool.Free(buf)
			sw := startIOStopwatch(uint64(lastPartial))
			if _, err := c.open.file.ReadAt(buf[:lastPartial], offset); err != nil {
				sm.errorOccurred(c, err)
				log.LogWarnf("truncate_chunk: file:%v - read error: %v", c.filename, err)
				return errors.Trace(err, "read partial block")
			}
			sw.commitRead(sm.stats, c.owner)
			sm.stats.overheadRead(lastPartial)

			crc := crcZeroExpanded(buf[:lastPartial], int(BlockSize-lastPartial))
			if c.isSplit() {
				crcData := c.open.crcData()
				binary.BigEndian.PutUint32(crcData[fullBlocks*crcSize:], crc)
				for b := fullBlocks + 1; b < uint32(c.blocks); b++ {
					binary.BigEndian.PutUint32(crcData[b*crcSize:], emptyBlockCrc)
				}
			} else {
				var crcBuf [crcSize]byte
				binary.BigEndian.PutUint32(crcBuf[:], crc)
				sw = startIOStopwatch(crcSize)
				if _, err := c.open.file.WriteAt(crcBuf[:], c.blockOffset(int(fullBlocks))); err != nil {
					sm.errorOccurred(c, err)
					log.LogWarnf("truncate_chunk: file:%v - write crc error: %v", c.filename, err)
					sm.ReportDamagedChunk(c.id, c.ctype)
					return errors.Trace(err, "write crc")
				}
				sw.commitWrite(sm.stats, c.owner)
			}
		}
	}
	if uint32(c.blocks) != blocks && c.owner != nil {
		c.owner.needRefresh.Store(true)
	}
	c.blocks = uint16(blocks)
	return nil
}

// duplicateSource takes the source chunk already locked by the caller,
// optionally bumps its version, and leaves it open for copying.
func (sm *SpaceManager) duplicateSource(oc, c *Chunk, chunkVersion, chunkNewVersion uint32) error {
	if chunkNewVersion != chunkVersion {
		if err := oc.renameChunkFile(chunkNewVersion); err != nil {
			sm.errorOccurred(oc, err)
			log.LogWarnf("duplicate_chunk: file:%v - rename error: %v", oc.filename, err)
			sm.chunkDeleteEntry(c)
			return errors.Trace(err, "rename source")
		}
		expected := chunkVersion
		if chunkVersion == 0 {
			expected = anyVersion
		}
		if err := sm.ioBegin(oc, false, expected); err != nil {
			sm.errorOccurred(oc, err)
			sm.chunkDeleteEntry(c)
			return err
		}
		if err := sm.chunkOverwriteVersion(oc, chunkNewVersion); err != nil {
			sm.errorOccurred(oc, err)
			log.LogWarnf("duplicate_chunk: file:%v - write error: %v", oc.filename, err)
			sm.chunkDeleteEntry(c)
			sm.ioEnd(oc)
			return err
		}
		return nil
	}
	if err := sm.ioBegin(oc, false, anyVersion); err != nil {
		sm.errorOccurred(oc, err)
		sm.chunkDeleteEntry(c)
		sm.ReportDamagedChunk(oc.id, oc.ctype)
		return err
	}
	return nil
}

// DuplicateChunk copies src into a freshly placed destination chunk, bumping
// the source version to newSrcVersion when it differs.
func (sm *SpaceManager) DuplicateChunk(chunkID uint64, chunkVersion, chunkNewVersion uint32,
	ctype proto.ChunkPartType, copyChunkID uint64, copyChunkVersion uint32) error {
	sm.stats.countOp(&sm.stats.opDuplicate)

	oc := sm.chunkFind(chunkID, ctype)
	if oc == nil {
		return proto.StatusNoChunk
	}
	if oc.version != chunkVersion && chunkVersion > 0 {
		sm.chunkRelease(oc)
		return proto.StatusWrongVersion
	}
	if copyChunkVersion == 0 {
		copyChunkVersion = chunkNewVersion
	}

	sm.folderLock.Lock()
	f := sm.getFolder()
	if f == nil {
		sm.folderLock.Unlock()
		sm.chunkRelease(oc)
		return proto.StatusNoSpace
	}
	c := sm.chunkCreateEntry(f, copyChunkID, ctype, copyChunkVersion, oc.format)
	sm.folderLock.Unlock()
	if c == nil {
		sm.chunkRelease(oc)
		return proto.StatusChunkExists
	}

	if err := sm.duplicateSource(oc, c, chunkVersion, chunkNewVersion); err != nil {
		sm.chunkRelease(oc)
		return err
	}
	if err := sm.ioBegin(c, true, anyVersion); err != nil {
		sm.errorOccurred(c, err)
		sm.chunkDeleteEntry(c)
		sm.ioEnd(oc)
		sm.chunkRelease(oc)
		return err
	}

	abortCopy := func(reportSrc bool) {
		sm.ioEnd(c)
		os.Remove(c.filename)
		sm.chunkDeleteEntry(c)
		sm.ioEnd(oc)
		if reportSrc {
			sm.ReportDamagedChunk(chunkID, ctype)
		}
		sm.chunkRelease(oc)
	}

	if c.isSplit() {
		hdr := bytespool.Alloc(splitHeaderSize)
		bytespool.Zero(hdr)
		newChunkSignature(copyChunkID, copyChunkVersion, ctype).marshal(hdr)
		copy(c.open.crcData(), oc.open.crcData())
		copy(hdr[c.crcOffset():], oc.open.crcData())
		sw := startIOStopwatch(splitHeaderSize)
		if _, err := c.open.file.WriteAt(hdr, 0); err != nil {
			bytespool.Free(hdr)
			sm.errorOccurred(c, err)
			log.LogWarnf("duplicate_chunk: file:%v - hdr write error: %v", c.filename, err)
			abortCopy(false)
			return errors.Trace(err, "write header")
		}
		sw.commitWrite(sm.stats, c.owner)
		bytespool.Free(hdr)
		sm.stats.overheadWrite(splitHeaderSize)
	}

	blockSize := c.rawBlockSize()
	buf := bytespool.Alloc(blockSize)
	defer bytespool.Free(buf)
	for block := 0; block < int(oc.blocks); block++ {
		sw := startIOStopwatch(uint64(blockSize))
		if _, err := oc.open.file.ReadAt(buf, oc.blockOffset(block)); err != nil {
			sm.errorOccurred(oc, err)
			log.LogWarnf("duplicate_chunk: file:%v - data read error: %v", oc.filename, err)
			abortCopy(true)
			return errors.Trace(err, "read source block")
		}
		sw.commitRead(sm.stats, oc.owner)
		sm.stats.overheadRead(uint32(blockSize))

		sw = startIOStopwatch(uint64(blockSize))
		if _, err := c.open.file.WriteAt(buf, c.blockOffset(block)); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("duplicate_chunk: file:%v - data write error: %v", c.filename, err)
			abortCopy(false)
			return errors.Trace(err, "write destination block")
		}
		sw.commitWrite(sm.stats, c.owner)
		sm.stats.overheadWrite(uint32(blockSize))
	}

	if err := sm.ioEnd(oc); err != nil {
		sm.errorOccurred(oc, err)
		sm.ioEnd(c)
		os.Remove(c.filename)
		sm.chunkDeleteEntry(c)
		sm.ReportDamagedChunk(chunkID, ctype)
		sm.chunkRelease(oc)
		return err
	}
	if err := sm.ioEnd(c); err != nil {
		sm.errorOccurred(c, err)
		os.Remove(c.filename)
		sm.chunkDeleteEntry(c)
		sm.chunkRelease(oc)
		return err
	}
	c.blocks = oc.blocks
	if c.owner != nil {
		c.owner.needRefresh.Store(true)
	}
	sm.chunkRelease(c)
	sm.chunkRelease(oc)
	return nil
}

// TestChunk verifies every stored block's CRC. The descriptor is advised out
// of the page cache afterwards so scrubbing does not evict hot data.
func (sm *SpaceManager) TestChunk(chunkID uint64, version uint32, ctype proto.ChunkPartType) error {
	sm.stats.countOp(&sm.stats.opTest)
	c := sm.chunkFind(chunkID, ctype)
	if c == nil {
		return proto.StatusNoChunk
	}
	if c.version != version && version > 0 {
		sm.chunkRelease(c)
		return proto.StatusWrongVersion
	}
	if err := sm.ioBegin(c, false, anyVersion); err != nil {
		sm.errorOccurred(c, err)
		sm.chunkRelease(c)
		return err
	}

	var status error
	buf := bytespool.Alloc(HddBlockSize)
	for block := uint16(0); block < c.blocks; block++ {
		n, err := sm.readBlockAndCrc(c, buf, block, "test_chunk")
		if err != nil {
			status = err
			break
		}
		sm.stats.overheadRead(uint32(n))
		if binary.BigEndian.Uint32(buf[:crcSize]) != blockCrc(buf[crcSize:HddBlockSize]) {
			sm.errorOccurred(c, syscall.Errno(0))
			log.LogWarnf("test_chunk: file:%v - crc error", c.filename)
			status = proto.StatusCRC
			break
		}
	}
	bytespool.Free(buf)

	// Tested chunks should not stay cached regardless of the no-cache knob.
	sm.adviseDontNeed(c)

	if status != nil {
		sm.ioEnd(c)
		sm.chunkRelease(c)
		return status
	}
	if err := sm.ioEnd(c); err != nil {
		sm.errorOccurred(c, err)
		sm.chunkRelease(c)
		return err
	}
	sm.chunkRelease(c)
	return nil
}

// DupTruncChunk duplicates src into dst truncated (or extended) to
// length bytes, in one pass.
func (sm *SpaceManager) DupTruncChunk(chunkID uint64, chunkVersion, chunkNewVersion uint32,
	ctype proto.ChunkPartType, copyChunkID uint64, copyChunkVersion, copyChunkLength uint32) error {
	sm.stats.countOp(&sm.stats.opDupTrunc)

	if copyChunkLength > ChunkSize {
		return proto.StatusWrongSize
	}
	oc := sm.chunkFind(chunkID, ctype)
	if oc == nil {
		return proto.StatusNoChunk
	}
	if oc.version != chunkVersion && chunkVersion > 0 {
		sm.chunkRelease(oc)
		return proto.StatusWrongVersion
	}
	if copyChunkVersion == 0 {
		copyChunkVersion = chunkNewVersion
	}

	sm.folderLock.Lock()
	f := sm.getFolder()
	if f == nil {
		sm.folderLock.Unlock()
		sm.chunkRelease(oc)
		return proto.StatusNoSpace
	}
	c := sm.chunkCreateEntry(f, copyChunkID, ctype, copyChunkVersion, oc.format)
	sm.folderLock.Unlock()
	if c == nil {
		sm.chunkRelease(oc)
		return proto.StatusChunkExists
	}

	if err := sm.duplicateSource(oc, c, chunkVersion, chunkNewVersion); err != nil {
		sm.chunkRelease(oc)
		return err
	}
	if err := sm.ioBegin(c, true, anyVersion); err != nil {
		sm.errorOccurred(c, err)
		sm.chunkDeleteEntry(c)
		sm.ioEnd(oc)
		sm.chunkRelease(oc)
		return err
	}

	abortCopy := func(reportSrc bool) {
		sm.ioEnd(c)
		os.Remove(c.filename)
		sm.chunkDeleteEntry(c)
		sm.ioEnd(oc)
		if reportSrc {
			sm.ReportDamagedChunk(chunkID, ctype)
		}
		sm.chunkRelease(oc)
	}

	blocks := uint16((copyChunkLength + BlockSize - 1) / BlockSize)
	blockSize := c.rawBlockSize()

	var hdr []byte
	if c.isSplit() {
		hdr = bytespool.Alloc(splitHeaderSize)
		defer bytespool.Free(hdr)
		bytespool.Zero(hdr)
		newChunkSignature(copyChunkID, copyChunkVersion, ctype).marshal(hdr)
		copy(hdr[c.crcOffset():], oc.open.crcData())
	}

	buf := bytespool.Alloc(HddBlockSize)
	defer bytespool.Free(buf)

	copyBlock := func(block int) error {
		sw := startIOStopwatch(uint64(blockSize))
		if _, err := oc.open.file.ReadAt(buf[:blockSize], oc.blockOffset(block)); err != nil {
			sm.errorOccurred(oc, err)
			log.LogWarnf("duptrunc_chunk: file:%v - data read error: %v", oc.filename, err)
			abortCopy(true)
			return errors.Trace(err, "read source block")
		}
		sw.commitRead(sm.stats, oc.owner)
		sm.stats.overheadRead(uint32(blockSize))

		sw = startIOStopwatch(uint64(blockSize))
		if _, err := c.open.file.WriteAt(buf[:blockSize], c.blockOffset(block)); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("duptrunc_chunk: file:%v - data write error: %v", c.filename, err)
			abortCopy(false)
			return errors.Trace(err, "write destination block")
		}
		sw.commitWrite(sm.stats, c.owner)
		sm.stats.overheadWrite(uint32(blockSize))
		return nil
	}

	if blocks > oc.blocks {
		// Expanding: copy everything, pad with empty blocks.
		for block := 0; block < int(oc.blocks); block++ {
			if err := copyBlock(block); err != nil {
				return err
			}
		}
		if c.isSplit() {
			for block := oc.blocks; block < blocks; block++ {
				binary.BigEndian.PutUint32(hdr[int(c.crcOffset())+int(block)*crcSize:], emptyBlockCrc)
			}
		}
		if err := unix.Ftruncate(int(c.open.file.Fd()), c.fileSizeFromBlockCount(int(blocks))); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("duptrunc_chunk: file:%v - ftruncate error: %v", c.filename, err)
			abortCopy(false)
			return errors.Trace(err, "ftruncate")
		}
	} else {
		lastBlockSize := copyChunkLength - (copyChunkLength/BlockSize)*BlockSize
		fullCopy := int(blocks)
		if lastBlockSize > 0 {
			fullCopy--
		}
		for block := 0; block < fullCopy; block++ {
			if err := copyBlock(block); err != nil {
				return err
			}
		}
		if lastBlockSize > 0 {
			block := int(blocks) - 1
			toBeRead := int(lastBlockSize)
			if !c.isSplit() {
				toBeRead += crcSize
			}
			sw := startIOStopwatch(uint64(toBeRead))
			if _, err := oc.open.file.ReadAt(buf[:toBeRead], oc.blockOffset(block)); err != nil {
				sm.errorOccurred(oc, err)
				log.LogWarnf("duptrunc_chunk: file:%v - data read error: %v", oc.filename, err)
				abortCopy(true)
				return errors.Trace(err, "read source block")
			}
			sw.commitRead(sm.stats, oc.owner)
			sm.stats.overheadRead(uint32(toBeRead))

			if !c.isSplit() {
				crc := crcZeroExpanded(buf[crcSize:crcSize+lastBlockSize], int(BlockSize-lastBlockSize))
				binary.BigEndian.PutUint32(buf[:crcSize], crc)
			} else {
				crc := crcZeroExpanded(buf[:lastBlockSize], int(BlockSize-lastBlockSize))
				binary.BigEndian.PutUint32(hdr[int(c.crcOffset())+block*crcSize:], crc)
			}
			for i := toBeRead; i < blockSize; i++ {
				buf[i] = 0
			}
			sw = startIOStopwatch(uint64(blockSize))
			if _, err := c.open.file.WriteAt(buf[:blockSize], c.blockOffset(block)); err != nil {
				sm.errorOccurred(c, err)
				log.LogWarnf("duptrunc_chunk: file:%v - data write error: %v", c.filename, err)
				abortCopy(false)
				return errors.Trace(err, "write destination block")
			}
			sw.commitWrite(sm.stats, c.owner)
			sm.stats.overheadWrite(uint32(blockSize))
		}
	}

	if c.isSplit() {
		copy(c.open.crcData(), hdr[c.crcOffset():int(c.crcOffset())+crcBlockSize])
		sw := startIOStopwatch(splitHeaderSize)
		if _, err := c.open.file.WriteAt(hdr, 0); err != nil {
			sm.errorOccurred(c, err)
			log.LogWarnf("duptrunc_chunk: file:%v - hdr write error: %v", c.filename, err)
			abortCopy(false)
			return errors.Trace(err, "write header")
		}
		sw.commitWrite(sm.stats, c.owner)
		sm.stats.overheadWrite(splitHeaderSize)
	}

	if err := sm.ioEnd(oc); err != nil {
		sm.errorOccurred(oc, err)
		sm.ioEnd(c)
		os.Remove(c.filename)
		sm.chunkDeleteEntry(c)
		sm.ReportDamagedChunk(chunkID, ctype)
		sm.chunkRelease(oc)
		return err
	}
	if err := sm.ioEnd(c); err != nil {
		sm.errorOccurred(c, err)
		os.Remove(c.filename)
		sm.chunkDeleteEntry(c)
		sm.chunkRelease(oc)
		return err
	}
	c.blocks = blocks
	if c.owner != nil {
		c.owner.needRefresh.Store(true)
	}
	sm.chunkRelease(c)
	sm.chunkRelease(oc)
	return nil
}

// ChunkOp multiplexes all chunk operations over one argument convention:
//
//	newVersion > 0, length == 0xFFFFFFFF, copyChunkID == 0  -> set version
//	newVersion > 0, length == 0xFFFFFFFF, copyChunkID > 0   -> duplicate
//	newVersion > 0, length <= ChunkSize,  copyChunkID == 0  -> truncate
//	newVersion > 0, length <= ChunkSize,  copyChunkID > 0   -> duplicate+truncate
//	newVersion == 0, length == 0                            -> delete
//	newVersion == 0, length == 1                            -> create
//	newVersion == 0, length == 2                            -> test
const chunkOpNoLength = ^uint32(0)

func (sm *SpaceManager) ChunkOp(chunkID uint64, version uint32, ctype proto.ChunkPartType,
	newVersion uint32, copyChunkID uint64, copyChunkVersion, length uint32) error {
	if newVersion > 0 {
		switch {
		case length == chunkOpNoLength:
			if copyChunkID == 0 {
				return sm.SetChunkVersion(chunkID, version, newVersion, ctype)
			}
			return sm.DuplicateChunk(chunkID, version, newVersion, ctype, copyChunkID, copyChunkVersion)
		case length <= ChunkSize:
			if copyChunkID == 0 {
				return sm.TruncateChunk(chunkID, ctype, version, newVersion, length)
			}
			return sm.DupTruncChunk(chunkID, version, newVersion, ctype, copyChunkID, copyChunkVersion, length)
		default:
			return proto.StatusInvalidArgument
		}
	}
	switch length {
	case 0:
		return sm.DeleteChunk(chunkID, version, ctype)
	case 1:
		return sm.CreateChunk(chunkID, version, ctype)
	case 2:
		return sm.TestChunk(chunkID, version, ctype)
	default:
		return proto.StatusInvalidArgument
	}
}

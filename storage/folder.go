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
	"math/rand"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/chunkfs/chunkfs/proto"
	"github.com/chunkfs/chunkfs/util/atomicutil"
)

type ScanState uint8

const (
	ScanNeeded ScanState = iota
	ScanInProgress
	ScanTerminate
	ScanThreadFinished
	ScanSendNeeded
	ScanWorking
)

type MigrateState uint8

const (
	MigrateDone MigrateState = iota
	MigrateInProgress
	MigrateTerminate
	MigrateThreadFinished
)

type folderError struct {
	chunkID   uint64
	errno     syscall.Errno
	timestamp int64
}

// folderStat is the live stats slot of one folder. It is updated with atomics
// so the I/O paths never take the folder lock.
type folderStat struct {
	rbytes    uint64
	wbytes    uint64
	rops      uint32
	wops      uint32
	fsyncops  uint32
	readUsec  uint64
	writeUsec uint64
	fsyncUsec uint64
	readMax   uint32
	writeMax  uint32
	fsyncMax  uint32
}

func atomicMax32(addr *uint32, val uint32) {
	for {
		prev := atomic.LoadUint32(addr)
		if prev >= val || atomic.CompareAndSwapUint32(addr, prev, val) {
			return
		}
	}
}

func (s *folderStat) addRead(size, usec uint64) {
	atomic.AddUint32(&s.rops, 1)
	atomic.AddUint64(&s.rbytes, size)
	atomic.AddUint64(&s.readUsec, usec)
	atomicMax32(&s.readMax, uint32(usec))
}

func (s *folderStat) addWrite(size, usec uint64) {
	atomic.AddUint32(&s.wops, 1)
	atomic.AddUint64(&s.wbytes, size)
	atomic.AddUint64(&s.writeUsec, usec)
	atomicMax32(&s.writeMax, uint32(usec))
}

func (s *folderStat) addFsync(usec uint64) {
	atomic.AddUint32(&s.fsyncops, 1)
	atomic.AddUint64(&s.fsyncUsec, usec)
	atomicMax32(&s.fsyncMax, uint32(usec))
}

// drain snapshots the slot into a minute entry and resets it.
func (s *folderStat) drain() (out proto.HddStatistics) {
	out.Rbytes = atomic.SwapUint64(&s.rbytes, 0)
	out.Wbytes = atomic.SwapUint64(&s.wbytes, 0)
	out.Rops = atomic.SwapUint32(&s.rops, 0)
	out.Wops = atomic.SwapUint32(&s.wops, 0)
	out.Fsyncops = atomic.SwapUint32(&s.fsyncops, 0)
	out.ReadUsec = atomic.SwapUint64(&s.readUsec, 0)
	out.WriteUsec = atomic.SwapUint64(&s.writeUsec, 0)
	out.FsyncUsec = atomic.SwapUint64(&s.fsyncUsec, 0)
	out.ReadMax = atomic.SwapUint32(&s.readMax, 0)
	out.WriteMax = atomic.SwapUint32(&s.writeMax, 0)
	out.FsyncMax = atomic.SwapUint32(&s.fsyncMax, 0)
	return
}

// Folder is one data directory tree owning a subset of chunks. Mutable fields
// are guarded by the space manager's folder lock, except currentStat
// (atomics), needRefresh (atomic) and the chunks set (test lock).
type Folder struct {
	path string // always with trailing '/'

	leaveFreeSpace uint64
	availableSpace uint64
	totalSpace     uint64
	carry          float64

	isDamaged            bool
	isMarkedForRemoval   bool
	isReadOnly           bool
	wasRemovedFromConfig bool

	needRefresh atomicutil.Bool
	lastRefresh int64

	scanState    ScanState
	scanProgress uint8
	scanDone     chan struct{}

	migrateState MigrateState
	migrateDone  chan struct{}

	lockFile *os.File
	lockDev  uint64
	lockIno  uint64

	currentStat    folderStat
	stats          [statsHistory]proto.HddStatistics
	statsPos       int
	lastErrorTab   [lastErrorSize]folderError
	lastErrorIndex int

	chunks chunkTestSet
}

func newFolder(path string, markedForRemoval bool) *Folder {
	f := &Folder{
		path:               path,
		isMarkedForRemoval: markedForRemoval,
		scanState:          ScanNeeded,
		migrateState:       MigrateDone,
		carry:              rand.Float64(),
	}
	f.chunks.init()
	return f
}

func (f *Folder) Path() string {
	return f.path
}

// isMarkedForDeletion covers both explicit config marks and read-only mounts:
// either way the folder only drains.
func (f *Folder) isMarkedForDeletion() bool {
	return f.isMarkedForRemoval || f.isReadOnly
}

func (f *Folder) isSelectableForNewChunk() bool {
	return !f.isDamaged &&
		!f.isMarkedForDeletion() &&
		!f.wasRemovedFromConfig &&
		f.scanState == ScanWorking
}

func (f *Folder) recordError(chunkID uint64, errno syscall.Errno, now int64) {
	i := f.lastErrorIndex
	f.lastErrorTab[i] = folderError{chunkID: chunkID, errno: errno, timestamp: now}
	f.lastErrorIndex = (i + 1) % lastErrorSize
}

// recentIOErrors counts EIO/EROFS entries younger than the damage window.
func (f *Folder) recentIOErrors(now int64) (n int) {
	for i := 0; i < lastErrorSize; i++ {
		e := &f.lastErrorTab[i]
		if e.timestamp+lastErrTime >= now && (e.errno == syscall.EIO || e.errno == syscall.EROFS) {
			n++
		}
	}
	return
}

// chunkTestSet is the folder's scrubbing rotation: oldest-tested chunk in
// front, recently tested chunks move to the back. Guarded by the space
// manager's test lock.
type chunkTestSet struct {
	l *list.List
}

func (s *chunkTestSet) init() {
	s.l = list.New()
}

func (s *chunkTestSet) size() int {
	return s.l.Len()
}

func (s *chunkTestSet) insert(c *Chunk) {
	if c.testElem == nil {
		c.testElem = s.l.PushBack(c)
	}
}

func (s *chunkTestSet) remove(c *Chunk) {
	if c.testElem != nil {
		s.l.Remove(c.testElem)
		c.testElem = nil
	}
}

func (s *chunkTestSet) markAsTested(c *Chunk) {
	if c.testElem != nil {
		s.l.MoveToBack(c.testElem)
	}
}

// chunkToTest returns the chunk that has gone longest without verification.
func (s *chunkTestSet) chunkToTest() *Chunk {
	if e := s.l.Front(); e != nil {
		return e.Value.(*Chunk)
	}
	return nil
}

// shuffle randomizes the rotation so the scrubber does not visit chunks in
// directory order after a scan.
func (s *chunkTestSet) shuffle() {
	chunks := make([]*Chunk, 0, s.l.Len())
	for e := s.l.Front(); e != nil; e = e.Next() {
		chunks = append(chunks, e.Value.(*Chunk))
	}
	rand.Shuffle(len(chunks), func(i, j int) {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	})
	s.l.Init()
	for _, c := range chunks {
		c.testElem = s.l.PushBack(c)
	}
}

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
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/chunkfs/chunkfs/proto"
	"github.com/chunkfs/chunkfs/util/atomicutil"
	"github.com/chunkfs/chunkfs/util/config"
	"github.com/chunkfs/chunkfs/util/errors"
	"github.com/chunkfs/chunkfs/util/exporter"
	"github.com/chunkfs/chunkfs/util/log"
)

// Config keys consumed by the engine.
const (
	ConfigKeyHddConf       = "HDD_CONF_FILENAME"
	ConfigKeyTestFreq      = "HDD_TEST_FREQ"
	ConfigKeyAdviseNoCache = "HDD_ADVISE_NO_CACHE"
	ConfigKeyPerformFsync  = "PERFORM_FSYNC"
	ConfigKeyPunchHoles    = "HDD_PUNCH_HOLES"
	ConfigKeySplitFormat   = "CREATE_NEW_CHUNKS_IN_MOOSEFS_FORMAT"
	ConfigKeyLeaveSpace    = "HDD_LEAVE_SPACE_DEFAULT"

	defaultLeaveSpace  = "256MiB"
	defaultTestFreqSec = 10.0
	minTestFreqSec     = 1e-3
	maxTestFreqSec     = 1e6
)

// SpaceManager owns the data folders, the chunk registry, the open-descriptor
// pool, the background scanner/scrubber threads and the master-report queues.
//
// Lock order: folderLock, registryLock, testLock, reports.mu.
type SpaceManager struct {
	clock clock.Clock

	folderLock    sync.Mutex
	folders       []*Folder
	folderActions bool

	registryLock sync.Mutex
	registry     map[chunkKey]*Chunk
	freeConds    []*condWaiters

	// testLock guards every folder's chunks test set.
	testLock sync.Mutex

	openChunks *OpenChunkPool
	reports    masterReports
	stats      *hddStats
	testQueue  *uniqueTestQueue

	confFilename   string
	testFreqMs     uint32
	leaveFree      uint64
	adviseNoCache  atomicutil.Bool
	performFsync   atomicutil.Bool
	punchHoles     atomicutil.Bool
	splitNewChunks atomicutil.Bool

	testerReset     uint32
	errorCounter    uint32
	spaceChanged    uint32
	scansInProgress int32

	gaugeFolderTotal *exporter.GaugeVec
	gaugeFolderAvail *exporter.GaugeVec

	term     chan struct{}
	termOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewSpaceManager builds the engine from configuration and parses the folder
// list file. Scanning starts when Start is called.
func NewSpaceManager(cfg *config.Config) (sm *SpaceManager, err error) {
	sm = &SpaceManager{
		clock:            clock.New(),
		registry:         make(map[chunkKey]*Chunk),
		openChunks:       newOpenChunkPool(),
		stats:            newHddStats(),
		testQueue:        newUniqueTestQueue(),
		term:             make(chan struct{}),
		gaugeFolderTotal: exporter.NewGaugeVec("hdd_folder_total_bytes", "path"),
		gaugeFolderAvail: exporter.NewGaugeVec("hdd_folder_avail_bytes", "path"),
	}
	sm.confFilename = cfg.GetString(ConfigKeyHddConf)
	if sm.confFilename == "" {
		return nil, errors.NewErrorf("%s is required", ConfigKeyHddConf)
	}
	sm.performFsync.Store(true)
	sm.splitNewChunks.Store(true)
	sm.reloadOptions(cfg)
	if err = sm.foldersReinit(); err != nil {
		return nil, err
	}
	sm.folderLock.Lock()
	for _, f := range sm.folders {
		log.LogInfof("hdd space manager: path to scan: %v", f.path)
	}
	sm.folderLock.Unlock()
	log.LogInfof("hdd space manager: start background hdd scanning (searching for available chunks)")
	return sm, nil
}

func (sm *SpaceManager) reloadOptions(cfg *config.Config) {
	freq := cfg.GetFloatWithDefault(ConfigKeyTestFreq, defaultTestFreqSec)
	if freq < minTestFreqSec {
		freq = minTestFreqSec
	}
	if freq > maxTestFreqSec {
		freq = maxTestFreqSec
	}
	atomic.StoreUint32(&sm.testFreqMs, uint32(freq*1000))

	sm.adviseNoCache.Store(cfg.GetBoolWithDefault(ConfigKeyAdviseNoCache, false))
	sm.performFsync.Store(cfg.GetBoolWithDefault(ConfigKeyPerformFsync, true))
	sm.punchHoles.Store(cfg.GetBoolWithDefault(ConfigKeyPunchHoles, false))

	split := cfg.GetBoolWithDefault(ConfigKeySplitFormat, true)
	if split != sm.splitNewChunks.Swap(split) {
		log.LogInfof("new chunks format set to '%v' format", map[bool]string{true: "split", false: "interleaved"}[split])
	}

	leaveStr := cfg.GetStringWithDefault(ConfigKeyLeaveSpace, defaultLeaveSpace)
	leave, err := humanize.ParseBytes(leaveStr)
	if err != nil {
		log.LogWarnf("hdd space manager: %s parse error on %q - using default (%v)",
			ConfigKeyLeaveSpace, leaveStr, defaultLeaveSpace)
		leave, _ = humanize.ParseBytes(defaultLeaveSpace)
	}
	if leave < ChunkSize {
		log.LogWarnf("hdd space manager: %s < chunk size - leaving so small space on hdd is not recommended",
			ConfigKeyLeaveSpace)
	}
	atomic.StoreUint64(&sm.leaveFree, leave)
}

func (sm *SpaceManager) leaveFreeBytes() uint64 {
	return atomic.LoadUint64(&sm.leaveFree)
}

func (sm *SpaceManager) defaultFormat() proto.ChunkFormat {
	if sm.splitNewChunks.Load() {
		return proto.FormatSplit
	}
	return proto.FormatInterleaved
}

// Reload re-reads options and the folder list, in the same way the initial
// load does; removed folders drain through the per-second tick.
func (sm *SpaceManager) Reload(cfg *config.Config) error {
	sm.reloadOptions(cfg)
	log.LogInfof("reloading hdd data ...")
	if err := sm.foldersReinit(); err != nil {
		log.LogErrorf("action[Reload] %v", err)
		return err
	}
	return nil
}

// Start launches the long-lived background threads.
func (sm *SpaceManager) Start() {
	if sm.started {
		return
	}
	sm.started = true
	sm.wg.Add(4)
	go sm.foldersThread()
	go sm.freeResourcesThread()
	go sm.testerThread()
	go sm.testChunkThread()
}

func (sm *SpaceManager) foldersThread() {
	defer sm.wg.Done()
	ticker := sm.clock.Ticker(time.Second)
	defer ticker.Stop()
	minuteTicks := 0
	for {
		select {
		case <-sm.term:
			return
		case <-ticker.C:
			sm.CheckFolders()
			minuteTicks++
			if minuteTicks >= secondsInOneMinute {
				minuteTicks = 0
				sm.MoveStats()
			}
		}
	}
}

func (sm *SpaceManager) freeResourcesThread() {
	defer sm.wg.Done()
	ticker := sm.clock.Ticker(freeResourcesPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-sm.term:
			return
		case <-ticker.C:
			sm.freeUnusedChunks(sm.clock.Now().Unix(), maxFreeUnused)
		}
	}
}

// refreshUsage re-reads filesystem usage for a folder. Folder lock held.
func (sm *SpaceManager) refreshUsage(f *Folder) {
	var st unix.Statfs_t
	if err := unix.Statfs(f.path, &st); err != nil {
		f.availableSpace = 0
		f.totalSpace = 0
		return
	}
	frsize := uint64(st.Frsize)
	f.availableSpace = frsize * st.Bavail
	// Total excludes the blocks reserved for root.
	f.totalSpace = frsize * (st.Blocks - (st.Bfree - st.Bavail))
	if f.availableSpace < f.leaveFreeSpace {
		f.availableSpace = 0
	} else {
		f.availableSpace -= f.leaveFreeSpace
	}
	sm.gaugeFolderTotal.SetWithLabelValues(float64(f.totalSpace), f.path)
	sm.gaugeFolderAvail.SetWithLabelValues(float64(f.availableSpace), f.path)
}

// getFolder picks the folder for a new chunk by carry weighting. Folder lock
// held.
func (sm *SpaceManager) getFolder() *Folder {
	var best *Folder
	maxCarry := 1.0
	minPctAvail := 1.0e300
	maxPctAvail := 0.0

	if len(sm.folders) == 0 {
		return nil
	}

	for _, f := range sm.folders {
		if !f.isSelectableForNewChunk() {
			continue
		}
		if f.carry >= maxCarry {
			maxCarry = f.carry
			best = f
		}
		pct := float64(f.availableSpace) / float64(f.totalSpace)
		if pct < minPctAvail {
			minPctAvail = pct
		}
		if pct > maxPctAvail {
			maxPctAvail = pct
		}
	}

	if best != nil {
		best.carry -= 1.0
		return best
	}

	if maxPctAvail == 0.0 { // no space at all
		return nil
	}

	var s float64
	if maxPctAvail < 0.01 {
		s = 0.0
	} else {
		s = minPctAvail * 0.8
		if s < 0.01 {
			s = 0.01
		}
	}
	d := maxPctAvail - s
	maxCarry = 1.0

	for _, f := range sm.folders {
		if !f.isSelectableForNewChunk() {
			continue
		}
		pct := float64(f.availableSpace) / float64(f.totalSpace)
		if pct > s {
			f.carry += (pct - s) / d
		}
		if f.carry >= maxCarry {
			maxCarry = f.carry
			best = f
		}
	}

	if best != nil { // should always be true
		best.carry -= 1.0
	}
	return best
}

// sendData reports the folder's chunks to the master: as new chunks after a
// scan, or as lost chunks (with removal) when the folder goes away.
func (sm *SpaceManager) sendData(f *Folder, rmflag bool) {
	markedForDeletion := f.isMarkedForDeletion()

	sm.registryLock.Lock()
	sm.testLock.Lock()

	var toRemove []*Chunk
	for _, c := range sm.registry {
		if c.owner != f {
			continue
		}
		if rmflag {
			toRemove = append(toRemove, c)
		} else {
			sm.ReportNewChunk(c.id, c.version, markedForDeletion, c.ctype)
		}
	}
	for _, c := range toRemove {
		sm.ReportLostChunk(c.id, c.ctype)
		if c.state == chunkAvail {
			sm.openChunks.purge(c.open)
			c.owner.chunks.remove(c)
			delete(sm.registry, chunkKey{c.id, c.ctype})
		} else if c.state == chunkLocked {
			c.state = chunkToBeDeleted
		}
	}

	sm.testLock.Unlock()
	sm.registryLock.Unlock()
}

// CheckFolders drives every folder's scan state machine, damage detection and
// usage refresh. It is called once per second by the folders thread.
func (sm *SpaceManager) CheckFolders() {
	now := sm.clock.Now().Unix()
	changed := false

	sm.folderLock.Lock()
	if !sm.folderActions {
		sm.folderLock.Unlock()
		return
	}

	var foldersToRemove []*Folder
	for _, f := range sm.folders {
		if !f.wasRemovedFromConfig {
			continue
		}
		switch f.scanState {
		case ScanInProgress:
			f.scanState = ScanTerminate
		case ScanThreadFinished:
			<-f.scanDone
			f.scanState = ScanWorking
			fallthrough
		case ScanSendNeeded, ScanNeeded:
			f.scanState = ScanWorking
			fallthrough
		case ScanWorking:
			sm.sendData(f, true)
			changed = true
			f.wasRemovedFromConfig = false
		case ScanTerminate:
		}
		if f.migrateState == MigrateThreadFinished {
			<-f.migrateDone
			f.migrateState = MigrateDone
		}
		// Only false if the data was already handed back to the master.
		if !f.wasRemovedFromConfig {
			log.LogInfof("folder %v successfully removed", f.path)
			foldersToRemove = append(foldersToRemove, f)
			atomic.StoreUint32(&sm.testerReset, 1)
		}
	}

	for _, f := range foldersToRemove {
		sm.removeFolderLocked(f)
	}

	for _, f := range sm.folders {
		if f.isDamaged || f.wasRemovedFromConfig {
			continue
		}
		switch f.scanState {
		case ScanNeeded:
			f.scanState = ScanInProgress
			f.scanDone = make(chan struct{})
			go sm.folderScan(f)
		case ScanThreadFinished:
			<-f.scanDone
			f.scanState = ScanWorking
			sm.refreshUsage(f)
			f.needRefresh.Store(false)
			f.lastRefresh = now
			changed = true
		case ScanSendNeeded:
			sm.sendData(f, false)
			f.scanState = ScanWorking
			sm.refreshUsage(f)
			f.needRefresh.Store(false)
			f.lastRefresh = now
			changed = true
		case ScanWorking:
			errCount := f.recentIOErrors(now)
			if errCount >= errorLimit && !(f.isMarkedForRemoval && f.isReadOnly) {
				log.LogWarnf("%v errors occurred in %v seconds on folder: %v",
					errCount, lastErrTime, f.path)
				sm.sendData(f, true)
				f.isDamaged = true
				changed = true
			} else if f.needRefresh.Load() || f.lastRefresh+secondsInOneMinute < now {
				sm.refreshUsage(f)
				f.needRefresh.Store(false)
				f.lastRefresh = now
				changed = true
			}
		case ScanInProgress, ScanTerminate:
		}
		if f.migrateState == MigrateThreadFinished {
			<-f.migrateDone
			f.migrateState = MigrateDone
		}
	}
	sm.folderLock.Unlock()

	if changed {
		atomic.StoreUint32(&sm.spaceChanged, 1)
	}
}

// removeFolderLocked drops a drained folder. Folder lock held.
func (sm *SpaceManager) removeFolderLocked(f *Folder) {
	for i, e := range sm.folders {
		if e == f {
			sm.folders = append(sm.folders[:i], sm.folders[i+1:]...)
			break
		}
	}
	if f.lockFile != nil {
		f.lockFile.Close()
		f.lockFile = nil
	}
	sm.gaugeFolderTotal.DeleteLabelValues(f.path)
	sm.gaugeFolderAvail.DeleteLabelValues(f.path)
}

// errorOccurred records an I/O error against the chunk's folder and bumps the
// process error counter.
func (sm *SpaceManager) errorOccurred(c *Chunk, err error) {
	var errno syscall.Errno
	errors.As(err, &errno)

	sm.folderLock.Lock()
	if f := c.owner; f != nil {
		f.recordError(c.id, errno, sm.clock.Now().Unix())
	}
	sm.folderLock.Unlock()

	atomic.AddUint32(&sm.errorCounter, 1)
	sm.stats.mErrors.Inc()
}

// ErrorCounter drains the process-wide error counter.
func (sm *SpaceManager) ErrorCounter() uint32 {
	return atomic.SwapUint32(&sm.errorCounter, 0)
}

// SpaceChanged reports (and clears) whether folder usage changed since the
// last call.
func (sm *SpaceManager) SpaceChanged() bool {
	return atomic.SwapUint32(&sm.spaceChanged, 0) != 0
}

// ScansInProgress tells whether any folder scan is still running.
func (sm *SpaceManager) ScansInProgress() bool {
	return atomic.LoadInt32(&sm.scansInProgress) != 0
}

// parseFolderLine handles one line of the folder list file:
// [*]PATH, '*' marking the folder for removal (drain-only).
func (sm *SpaceManager) parseFolderLine(line string) error {
	line = strings.TrimRight(line, " \t\r\n")
	if line == "" || line[0] == '#' {
		return nil
	}
	markedForRemoval := false
	if line[0] == '*' {
		markedForRemoval = true
		line = line[1:]
	}
	if line == "" {
		return nil
	}
	if !strings.HasSuffix(line, "/") {
		line += "/"
	}
	fpath := line

	lockNeeded := true
	sm.folderLock.Lock()
	for _, f := range sm.folders {
		if f.path == fpath {
			lockNeeded = false
		}
	}
	sm.folderLock.Unlock()

	readOnly := false
	damaged := false
	var lockDev, lockIno uint64

	lockName := fpath + ".lock"
	lockFile, err := os.OpenFile(lockName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil && errors.Is(err, syscall.EROFS) {
		readOnly = true
	}

	switch {
	case readOnly && markedForRemoval:
		// A read-only filesystem is fine if the folder only drains.
	case err != nil:
		log.LogWarnf("can't create lock file %v, marking hdd as damaged: %v", lockName, err)
		damaged = true
	default:
		if lockNeeded {
			// POSIX record lock: merges with locks this process already
			// holds, so only a foreign process conflicts here. Folders of
			// this process sharing the inode are caught below.
			flk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
			if lockErr := unix.FcntlFlock(lockFile.Fd(), unix.F_SETLK, &flk); lockErr != nil {
				lockFile.Close()
				if lockErr == syscall.EAGAIN || lockErr == syscall.EACCES {
					return errors.NewErrorf("data folder %v already locked by another process", fpath)
				}
				log.LogWarnf("lock(%v) failed, marking hdd as damaged: %v", lockName, lockErr)
				damaged = true
				lockFile = nil
			}
		}
		if !damaged {
			var st unix.Stat_t
			if statErr := unix.Fstat(int(lockFile.Fd()), &st); statErr != nil {
				lockFile.Close()
				lockFile = nil
				log.LogWarnf("fstat(%v) failed, marking hdd as damaged: %v", lockName, statErr)
				damaged = true
			} else {
				lockDev, lockIno = uint64(st.Dev), st.Ino
				if lockNeeded {
					sm.folderLock.Lock()
					for _, f := range sm.folders {
						if f.lockFile == nil || f.lockDev != lockDev {
							continue
						}
						if f.lockIno == lockIno {
							other := f.path
							sm.folderLock.Unlock()
							lockFile.Close()
							return errors.NewErrorf("data folders '%v' and '%v' have the same lockfile", fpath, other)
						}
						log.LogWarnf("data folders '%v' and '%v' are on the same physical device "+
							"(could lead to unexpected behaviours)", fpath, f.path)
					}
					sm.folderLock.Unlock()
				}
			}
		}
	}

	sm.folderLock.Lock()
	// At reload time, update the already existing folder's properties.
	for _, f := range sm.folders {
		if f.path != fpath {
			continue
		}
		f.wasRemovedFromConfig = false
		if f.isDamaged {
			f.scanState = ScanNeeded
			f.scanProgress = 0
			f.isDamaged = damaged
			f.availableSpace = 0
			f.totalSpace = 0
			f.leaveFreeSpace = sm.leaveFreeBytes()
			f.currentStat.drain()
			for i := range f.stats {
				f.stats[i].Clear()
			}
			f.statsPos = 0
			f.lastErrorTab = [lastErrorSize]folderError{}
			f.lastErrorIndex = 0
			f.lastRefresh = 0
			f.needRefresh.Store(true)
		} else if f.isMarkedForRemoval != markedForRemoval || f.isReadOnly != readOnly {
			// The change matters: chunks need to be sent to master again.
			f.scanState = ScanSendNeeded
		}
		f.isReadOnly = readOnly
		f.isMarkedForRemoval = markedForRemoval
		sm.folderLock.Unlock()
		if lockFile != nil {
			lockFile.Close()
		}
		return nil
	}

	f := newFolder(fpath, markedForRemoval)
	f.isReadOnly = readOnly
	f.isDamaged = damaged
	f.leaveFreeSpace = sm.leaveFreeBytes()
	if !damaged && lockFile != nil {
		f.lockFile = lockFile
		f.lockDev = lockDev
		f.lockIno = lockIno
	} else if lockFile != nil {
		lockFile.Close()
	}
	sm.folders = append(sm.folders, f)
	sm.folderLock.Unlock()

	atomic.StoreUint32(&sm.testerReset, 1)
	return nil
}

func (sm *SpaceManager) foldersReinit() error {
	data, err := os.ReadFile(sm.confFilename)
	if err != nil {
		return errors.NewErrorf("can't open hdd config file %v: %v", sm.confFilename, err)
	}
	log.LogInfof("hdd configuration file %v opened", sm.confFilename)

	sm.folderLock.Lock()
	sm.folderActions = false // stop folder actions
	// All folders are marked as removed; parsing unmarks the ones still
	// present in the file, the rest drain through CheckFolders.
	for _, f := range sm.folders {
		f.wasRemovedFromConfig = true
	}
	sm.folderLock.Unlock()

	for _, line := range strings.Split(string(data), "\n") {
		if err := sm.parseFolderLine(line); err != nil {
			return err
		}
	}

	anyAvailable := false
	sm.folderLock.Lock()
	for _, f := range sm.folders {
		if !f.wasRemovedFromConfig {
			anyAvailable = true
			switch f.scanState {
			case ScanNeeded:
				log.LogInfof("hdd space manager: folder %v will be scanned", f.path)
			case ScanSendNeeded:
				log.LogInfof("hdd space manager: folder %v will be resend", f.path)
			default:
				log.LogInfof("hdd space manager: folder %v didn't change", f.path)
			}
		} else {
			log.LogInfof("hdd space manager: folder %v will be removed", f.path)
		}
	}
	sm.folderActions = true
	sm.folderLock.Unlock()

	if !anyAvailable {
		return errors.NewErrorf("no data paths defined in the %v file", sm.confFilename)
	}
	return nil
}

// Term stops all threads, writes back dirty CRC tables, purges descriptors
// and clears the registry.
func (sm *SpaceManager) Term() {
	sm.termOnce.Do(func() { close(sm.term) })
	sm.wg.Wait()

	sm.folderLock.Lock()
	pending := 0
	for _, f := range sm.folders {
		if f.scanState == ScanInProgress {
			f.scanState = ScanTerminate
		}
		if f.scanState == ScanTerminate || f.scanState == ScanThreadFinished {
			pending++
		}
		if f.migrateState == MigrateInProgress {
			f.migrateState = MigrateTerminate
		}
		if f.migrateState == MigrateTerminate || f.migrateState == MigrateThreadFinished {
			pending++
		}
	}
	sm.folderLock.Unlock()

	for pending > 0 {
		time.Sleep(10 * time.Millisecond)
		sm.folderLock.Lock()
		for _, f := range sm.folders {
			if f.scanState == ScanThreadFinished {
				<-f.scanDone
				f.scanState = ScanWorking // prevent joining again
				pending--
			}
			if f.migrateState == MigrateThreadFinished {
				<-f.migrateDone
				f.migrateState = MigrateDone
				pending--
			}
		}
		sm.folderLock.Unlock()
	}

	sm.registryLock.Lock()
	for _, c := range sm.registry {
		if c.state == chunkAvail {
			if c.wasChanged && c.isSplit() && c.open != nil {
				log.LogWarnf("action[Term] CRC not flushed - writing now: chunk(%v)", c)
				if err := sm.chunkWriteCrc(c); err != nil {
					log.LogErrorf("action[Term] file: %v - write error: %v", c.filename, err)
				}
			}
			sm.openChunks.purge(c.open)
		} else {
			log.LogWarnf("action[Term] locked chunk (chunkid: %016X, chunktype: %v)", c.id, c.ctype)
		}
	}
	sm.registry = make(map[chunkKey]*Chunk)
	sm.registryLock.Unlock()

	sm.freeUnusedChunks(forceFreeNow, int(^uint(0)>>1))

	sm.folderLock.Lock()
	for _, f := range sm.folders {
		if f.lockFile != nil {
			f.lockFile.Close()
			f.lockFile = nil
		}
	}
	sm.folders = nil
	sm.folderLock.Unlock()
}

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
	"sync/atomic"
	"time"

	"github.com/chunkfs/chunkfs/util/log"
)

// addChunk registers one scanned file with the registry: new chunks are
// created, stale versions are unlinked, and a format change recreates the
// entry in place.
func (sm *SpaceManager) addChunk(f *Folder, fullname string, p parsedChunkFilename, layoutVersion int) {
	c := sm.chunkGet(p.chunkID, p.ctype, newAuto, p.format)
	if c == nil {
		log.LogErrorf("can't use file %v as chunk", fullname)
		return
	}

	isNew := c.filename == ""
	if !isNew {
		// Another copy of this chunk is already registered.
		if p.version <= c.version {
			if !f.isReadOnly {
				os.Remove(fullname)
			}
			sm.chunkRelease(c)
			return
		}
		if !f.isReadOnly {
			os.Remove(c.filename)
		}
	}

	if c.format != p.format || !isNew {
		sm.registryLock.Lock()
		c = sm.chunkRecreateLocked(c, p.chunkID, p.ctype, p.format)
		sm.registryLock.Unlock()
	}

	c.version = p.version
	c.blocks = 0
	c.validAttr = false
	c.owner = f
	c.setFilenameLayout(layoutVersion)
	if c.filename != fullname {
		log.LogWarnf("action[addChunk] generated name(%v) differs from scanned name(%v)", c.filename, fullname)
		c.filename = fullname
	}
	sm.testLock.Lock()
	f.chunks.insert(c)
	sm.testLock.Unlock()
	if isNew {
		sm.ReportNewChunk(c.id, c.version, f.isMarkedForDeletion(), c.ctype)
	}
	sm.chunkRelease(c)
}

// convertChunkToEC2 renames a legacy "_ec_" file to "_ec2_", dropping parts
// the current erasure coding no longer supports. Returns the surviving name,
// or "" if the file was removed or could not be renamed.
func (sm *SpaceManager) convertChunkToEC2(subfolderPath, name string, p parsedChunkFilename) string {
	if !p.legacyEC {
		return name
	}
	if p.ctype.Total > maxECPartsKept {
		if err := os.Remove(subfolderPath + name); err != nil {
			log.LogErrorf("failed to remove invalid chunk file %v placed in chunk directory %v: %v",
				name, subfolderPath, err)
		}
		return ""
	}
	newName := strings.Replace(name, "_ec_", "_ec2_", 1)
	if err := os.Rename(subfolderPath+name, subfolderPath+newName); err != nil {
		log.LogErrorf("failed to rename old chunk %v placed in chunk directory %v: %v",
			name, subfolderPath, err)
		return ""
	}
	return newName
}

// folderScanLayout walks one directory layout of a folder and registers every
// recognized chunk file. Progress is reported at percent granularity;
// termination is cooperative through the folder's scan state.
func (sm *SpaceManager) folderScanLayout(f *Folder, beginTime int64, layoutVersion int) {
	sm.folderLock.Lock()
	state := f.scanState
	sm.folderLock.Unlock()
	if state == ScanTerminate {
		return
	}

	scanTerm := false
	checkCnt := 0
	lastPerc := uint8(0)
	lastTime := sm.clock.Now().Unix()

	for sub := 0; sub < NumSubfolders && !scanTerm; sub++ {
		subPath := f.path + subfolderName(sub, layoutVersion) + "/"
		entries, err := os.ReadDir(subPath)
		if err != nil {
			continue
		}

		for _, de := range entries {
			if scanTerm {
				break
			}
			name := de.Name()
			p, ok := parseChunkFilename(name)
			if !ok {
				if name != ".lock" {
					log.LogWarnf("invalid file %v placed in chunk directory %v; skipping it",
						name, subPath)
				}
				continue
			}
			if subfolderNumber(p.chunkID, layoutVersion) != sub {
				log.LogWarnf("chunk %v%v placed in a wrong directory; skipping it", subPath, name)
				continue
			}

			chunkName := sm.convertChunkToEC2(subPath, name, p)
			if chunkName == "" {
				continue
			}
			sm.addChunk(f, subPath+chunkName, p, layoutVersion)
			checkCnt++
			if checkCnt >= 1000 {
				sm.folderLock.Lock()
				if f.scanState == ScanTerminate {
					scanTerm = true
				}
				sm.folderLock.Unlock()
				checkCnt = 0
			}
		}

		currentTime := sm.clock.Now().Unix()
		currentPerc := uint8(float64(sub) * 100.0 / float64(NumSubfolders))
		if currentPerc > lastPerc && currentTime > lastTime {
			lastPerc = currentPerc
			lastTime = currentTime
			sm.folderLock.Lock()
			f.scanProgress = currentPerc
			sm.folderLock.Unlock()
			atomic.StoreUint32(&sm.spaceChanged, 1) // report chunk count to master
			log.LogInfof("scanning folder %v: %v%% (%vs)", f.path, currentPerc, currentTime-beginTime)
		}
	}
}

// folderScan populates the registry from a folder's directory tree, creating
// the current layout's subdirectories first and shuffling the test rotation
// afterwards.
func (sm *SpaceManager) folderScan(f *Folder) {
	defer close(f.scanDone)

	beginTime := sm.clock.Now().Unix()
	atomic.AddInt32(&sm.scansInProgress, 1)

	sm.folderLock.Lock()
	markedForDeletion := f.isMarkedForDeletion()
	sm.refreshUsage(f)
	sm.folderLock.Unlock()

	if !markedForDeletion {
		os.Mkdir(f.path, 0o755)
		for sub := 0; sub < NumSubfolders; sub++ {
			os.Mkdir(f.path+subfolderName(sub, currentDirectoryLayout), 0o755)
		}
	}

	atomic.StoreUint32(&sm.spaceChanged, 1)

	sm.folderScanLayout(f, beginTime, legacyDirectoryLayout)
	sm.folderScanLayout(f, beginTime, currentDirectoryLayout)
	sm.testShuffle(f)
	atomic.AddInt32(&sm.scansInProgress, -1)

	sm.folderLock.Lock()
	if f.scanState == ScanTerminate {
		log.LogInfof("scanning folder %v: interrupted", f.path)
	} else {
		log.LogInfof("scanning folder %v: complete (%vs)", f.path, sm.clock.Now().Unix()-beginTime)
	}

	if f.scanState != ScanTerminate && f.migrateState == MigrateDone {
		f.migrateState = MigrateInProgress
		f.migrateDone = make(chan struct{})
		go sm.folderMigrate(f)
	}

	f.scanState = ScanThreadFinished
	f.scanProgress = 100
	sm.folderLock.Unlock()
}

// migrateDirectories moves chunks from a legacy directory layout into the
// current one, sleeping 1 ms after each moved chunk.
func (sm *SpaceManager) migrateDirectories(f *Folder, layoutVersion int) (count int64) {
	sm.folderLock.Lock()
	state := f.migrateState
	sm.folderLock.Unlock()
	if state == MigrateTerminate {
		return
	}

	scanTerm := false
	checkCnt := 0
	for sub := 0; sub < NumSubfolders && !scanTerm; sub++ {
		subPath := f.path + subfolderName(sub, layoutVersion) + "/"
		entries, err := os.ReadDir(subPath)
		if err != nil {
			continue
		}

		for _, de := range entries {
			if scanTerm {
				break
			}
			p, ok := parseChunkFilename(de.Name())
			if !ok {
				continue
			}
			if subfolderNumber(p.chunkID, layoutVersion) != sub {
				continue
			}
			c := sm.chunkFind(p.chunkID, p.ctype)
			if c == nil {
				continue
			}
			if c.filename != subPath+de.Name() {
				sm.chunkRelease(c)
				continue
			}
			if err := c.renameChunkFile(c.version); err != nil {
				// Probably something is really wrong (ro fs, wrong
				// permissions, new dirs on a different mountpoint), do not
				// try to move any more chunks.
				log.LogWarnf("can't migrate %v to %v: %v",
					subPath+de.Name(), c.generateFilename(currentDirectoryLayout, c.version), err)
				scanTerm = true
			}
			sm.chunkRelease(c)
			count++

			checkCnt++
			if checkCnt >= 100 {
				sm.folderLock.Lock()
				if f.migrateState == MigrateTerminate {
					scanTerm = true
				}
				sm.folderLock.Unlock()
				checkCnt = 0
			}

			if !scanTerm {
				sm.clock.Sleep(time.Millisecond)
			}
		}

		if !scanTerm {
			if err := os.Remove(subPath); err != nil {
				log.LogWarnf("can't remove old directory %v: %v", subPath, err)
			}
		}
	}
	return count
}

func (sm *SpaceManager) folderMigrate(f *Folder) {
	defer close(f.migrateDone)

	beginTime := sm.clock.Now().Unix()
	count := sm.migrateDirectories(f, legacyDirectoryLayout)

	sm.folderLock.Lock()
	if f.migrateState != MigrateTerminate {
		if count > 0 {
			log.LogInfof("converting directories in folder %v: complete (%vs)",
				f.path, sm.clock.Now().Unix()-beginTime)
		}
	} else {
		log.LogInfof("converting directories in folder %v: interrupted", f.path)
	}
	f.migrateState = MigrateThreadFinished
	sm.folderLock.Unlock()
}

func (sm *SpaceManager) testShuffle(f *Folder) {
	sm.testLock.Lock()
	log.LogInfof("randomizing chunks for: %v", f.path)
	f.chunks.shuffle()
	sm.testLock.Unlock()
}

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

import "time"

const (
	// BlockSize is the unit of CRC protection inside a chunk.
	BlockSize = 64 * 1024
	// BlocksPerChunk bounds the data blocks a chunk file may hold.
	BlocksPerChunk = 1024
	// ChunkSize is the logical capacity of one chunk.
	ChunkSize = BlockSize * BlocksPerChunk

	crcSize = 4
	// HddBlockSize is one block together with its CRC, the raw unit of the
	// interleaved format.
	HddBlockSize = BlockSize + crcSize

	// Split format header: a padded signature block followed by the CRC table.
	signatureBlockSize = 1024
	crcBlockSize       = crcSize * BlocksPerChunk
	splitHeaderSize    = signatureBlockSize + crcBlockSize

	// NumSubfolders is the fan-out of the per-folder directory tree.
	NumSubfolders = 256

	currentDirectoryLayout = 0
	legacyDirectoryLayout  = 1

	// A folder goes damaged after errorLimit EIO/EROFS errors within
	// lastErrTime seconds.
	errorLimit  = 2
	lastErrTime = 60

	lastErrorSize = 30
	statsHistory  = 24 * 60

	openRetryCount = 4
	openRetryDelay = 5 * time.Millisecond

	// Idle descriptors older than this many seconds are reclaimed.
	openChunkRetention = 4

	freeResourcesPeriod = 2 * time.Second
	maxFreeUnused       = 1024

	// Bulk sizes the protocol layer uses when draining report queues and
	// registering chunks with the master.
	LostChunksBulkSize = 1024
	NewChunksBulkSize  = 4096

	secondsInOneMinute = 60
)

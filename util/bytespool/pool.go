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

package bytespool

import "sync"

const (
	zeroSize = 1 << 14

	// 4K - 8K - 16K - 32K - 64K - 128K
	numPools  = 6
	sizeStep  = 2
	startSize = 1 << 12
	maxSize   = 1 << 17
)

var (
	zero = make([]byte, zeroSize)

	pools    [numPools]sync.Pool
	poolSize [numPools]int
)

func init() {
	size := startSize
	for ii := 0; ii < numPools; ii++ {
		sz := size
		pools[ii] = sync.Pool{New: func() interface{} { return make([]byte, sz) }}
		poolSize[ii] = size
		size *= sizeStep
	}
}

// Alloc returns a bytes slice with the size.
// Make a new bytes slice if oversize.
func Alloc(size int) []byte {
	for idx, psize := range poolSize {
		if size <= psize {
			b := pools[idx].Get().([]byte)
			return b[:size]
		}
	}
	return make([]byte, size)
}

// Free puts the bytes slice into the suitable pool.
// Discard the bytes slice if oversize.
func Free(b []byte) {
	size := cap(b)
	if size > maxSize {
		return
	}
	b = b[0:size]
	for ii := numPools - 1; ii >= 0; ii-- {
		if size >= poolSize[ii] {
			pools[ii].Put(b) // nolint: staticcheck
			return
		}
	}
}

// Zero cleans up the bytes slice b to zero.
func Zero(b []byte) {
	for len(b) > 0 {
		n := copy(b, zero)
		b = b[n:]
	}
}

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

package timeutil

import "time"

// base anchors the monotonic clock; all NowMicro values are relative to
// process start and never move backwards.
var base = time.Now()

// NowMicro returns monotonic microseconds since process start. Used for I/O
// duration accounting.
func NowMicro() uint64 {
	return uint64(time.Since(base).Microseconds())
}

// NowMono returns the current instant, carrying a monotonic reading.
func NowMono() time.Time {
	return time.Now()
}

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

package proto

import "errors"

// Status is the result code surfaced to the protocol layer. It implements
// error so engine operations can return statuses through ordinary error
// plumbing; StatusOK is never returned as an error (nil is).
type Status uint8

const (
	StatusOK Status = iota
	StatusNoChunk
	StatusWrongVersion
	StatusWrongSize
	StatusWrongOffset
	StatusBlockNumTooBig
	StatusCRC
	StatusIO
	StatusNoSpace
	StatusChunkExists
	StatusInvalidArgument
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoChunk:
		return "NOCHUNK"
	case StatusWrongVersion:
		return "WRONGVERSION"
	case StatusWrongSize:
		return "WRONGSIZE"
	case StatusWrongOffset:
		return "WRONGOFFSET"
	case StatusBlockNumTooBig:
		return "BNUMTOOBIG"
	case StatusCRC:
		return "CRC"
	case StatusIO:
		return "IO"
	case StatusNoSpace:
		return "NOSPACE"
	case StatusChunkExists:
		return "CHUNKEXIST"
	case StatusInvalidArgument:
		return "EINVAL"
	default:
		return "UNKNOWN"
	}
}

func (s Status) Error() string {
	return s.String()
}

// StatusOf maps an error returned by an engine operation to a wire status.
// A nil error is StatusOK; any error that does not carry a Status in its
// chain is an I/O failure.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusIO
}

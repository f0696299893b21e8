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
	"bytes"
	"encoding/binary"
	"os"

	"github.com/chunkfs/chunkfs/proto"
)

// Signature layout at offset 0 of split chunks:
// magic (16 B) | chunk id (u64 BE) | version (u32 BE) | type id (u8).
const (
	signatureMagicSize = 16
	signatureSize      = signatureMagicSize + 8 + 4 + 1

	// signatureVersionOffset is the byte offset of the version field, used
	// by in-place version rewrites.
	signatureVersionOffset = signatureMagicSize + 8
)

var signatureMagic = [signatureMagicSize]byte{
	'C', 'H', 'U', 'N', 'K', 'F', 'S', ' ', 'C', 'H', 'D', 'R', ' ', '1', '.', '0',
}

// ChunkSignature identifies the chunk a split file belongs to.
type ChunkSignature struct {
	ChunkID uint64
	Version uint32
	Type    proto.ChunkPartType

	magicOK bool
}

func newChunkSignature(chunkID uint64, version uint32, ctype proto.ChunkPartType) *ChunkSignature {
	return &ChunkSignature{ChunkID: chunkID, Version: version, Type: ctype, magicOK: true}
}

func (s *ChunkSignature) marshal(buf []byte) {
	copy(buf[:signatureMagicSize], signatureMagic[:])
	binary.BigEndian.PutUint64(buf[signatureMagicSize:], s.ChunkID)
	binary.BigEndian.PutUint32(buf[signatureVersionOffset:], s.Version)
	buf[signatureSize-1] = s.Type.ID()
}

// readFromFile loads the signature stored at the given offset. A read failure
// is an error; a wrong magic is reported through HasValidMagic.
func (s *ChunkSignature) readFromFile(f *os.File, offset int64) error {
	buf := make([]byte, signatureSize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return err
	}
	s.magicOK = bytes.Equal(buf[:signatureMagicSize], signatureMagic[:])
	s.ChunkID = binary.BigEndian.Uint64(buf[signatureMagicSize:])
	s.Version = binary.BigEndian.Uint32(buf[signatureVersionOffset:])
	s.Type = proto.ChunkPartTypeFromID(buf[signatureSize-1])
	return nil
}

func (s *ChunkSignature) HasValidMagic() bool {
	return s.magicOK
}

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

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkPartTypeIDRoundTrip(t *testing.T) {
	std := StandardChunkPartType()
	require.True(t, std.IsStandard())
	require.Zero(t, std.ID())
	require.Equal(t, std, ChunkPartTypeFromID(0))

	for total := uint8(1); total <= 4; total++ {
		for part := uint8(1); part <= total; part++ {
			ct := ECChunkPartType(part, total)
			require.False(t, ct.IsStandard())
			require.Equal(t, ct, ChunkPartTypeFromID(ct.ID()), "part %d of %d", part, total)
		}
	}
}

func TestVersionTodelFlag(t *testing.T) {
	v := CombineVersionWithTodelFlag(7, true)
	version, todel := VersionWithoutTodelFlag(v)
	require.EqualValues(t, 7, version)
	require.True(t, todel)

	v = CombineVersionWithTodelFlag(7, false)
	version, todel = VersionWithoutTodelFlag(v)
	require.EqualValues(t, 7, version)
	require.False(t, todel)
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, StatusOK, StatusOf(nil))
	require.Equal(t, StatusWrongVersion, StatusOf(StatusWrongVersion))
	require.Equal(t, StatusCRC, StatusOf(fmt.Errorf("verify: %w", StatusCRC)))
	require.Equal(t, StatusIO, StatusOf(fmt.Errorf("plain failure")))
}

func TestStatusStrings(t *testing.T) {
	require.Equal(t, "OK", StatusOK.String())
	require.Equal(t, "NOCHUNK", StatusNoChunk.Error())
	require.Equal(t, "BNUMTOOBIG", StatusBlockNumTooBig.String())
	require.Equal(t, "EINVAL", StatusInvalidArgument.String())
}

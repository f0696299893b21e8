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

package tokenbucket

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestAttemptDrainsBudget(t *testing.T) {
	mock := clock.NewMock()
	b := New(mock.Now(), 100, 50)
	b.ReconfigureWithBudget(mock.Now(), 100, 50, 50)

	require.EqualValues(t, 30, b.Attempt(mock.Now(), 30))
	require.EqualValues(t, 20, b.Attempt(mock.Now(), 30))
	require.EqualValues(t, 0, b.Attempt(mock.Now(), 30))
}

func TestBudgetAccrues(t *testing.T) {
	mock := clock.NewMock()
	b := New(mock.Now(), 10, 100)

	require.EqualValues(t, 0, b.Attempt(mock.Now(), 5))
	mock.Add(1 * time.Second)
	require.EqualValues(t, 5, b.Attempt(mock.Now(), 5))
	require.EqualValues(t, 5, b.Attempt(mock.Now(), 10))
}

func TestBudgetCappedAtCeil(t *testing.T) {
	mock := clock.NewMock()
	b := New(mock.Now(), 1000, 10)

	mock.Add(time.Hour)
	require.EqualValues(t, 10, b.Attempt(mock.Now(), 1000))
	require.EqualValues(t, 0, b.Attempt(mock.Now(), 1))
}

func TestReconfigureCreditsOldRate(t *testing.T) {
	mock := clock.NewMock()
	b := New(mock.Now(), 10, 1000)

	mock.Add(2 * time.Second) // 20 tokens at the old rate
	b.Reconfigure(mock.Now(), 0, 1000)
	require.EqualValues(t, 20, b.Attempt(mock.Now(), 100))
}

// Conservation: the sum of grants never exceeds ceiling + rate * elapsed.
func TestConservation(t *testing.T) {
	mock := clock.NewMock()
	const rate, ceil = 7.0, 13.0
	b := New(mock.Now(), rate, ceil)
	b.ReconfigureWithBudget(mock.Now(), rate, ceil, ceil)

	var granted, elapsed float64
	for i := 0; i < 1000; i++ {
		step := time.Duration(i%5) * 100 * time.Millisecond
		mock.Add(step)
		elapsed += step.Seconds()
		granted += float64(b.Attempt(mock.Now(), float64(1+i%9)))
		require.LessOrEqual(t, granted, ceil+rate*elapsed+1e-6)
	}
}

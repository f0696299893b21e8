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

import "time"

// TokenBucket credits budget at a configurable rate up to a ceiling and lets
// callers draw partial grants. The caller supplies the clock; now must be
// monotonic (never before the previously supplied instant).
type TokenBucket struct {
	rate       float64 // tokens per second
	budgetCeil float64
	budget     float64
	prevTime   time.Time
}

func New(now time.Time, rate, budgetCeil float64) *TokenBucket {
	return &TokenBucket{rate: rate, budgetCeil: budgetCeil, prevTime: now}
}

// Reconfigure updates rate and ceiling after crediting the time elapsed since
// the previous operation under the old rate.
func (b *TokenBucket) Reconfigure(now time.Time, rate, budgetCeil float64) {
	b.updateBudget(now)
	b.rate = rate
	b.budgetCeil = budgetCeil
}

// ReconfigureWithBudget additionally overwrites the current budget.
func (b *TokenBucket) ReconfigureWithBudget(now time.Time, rate, budgetCeil, budget float64) {
	b.Reconfigure(now, rate, budgetCeil)
	b.budget = budget
}

func (b *TokenBucket) Rate() float64 {
	return b.rate
}

func (b *TokenBucket) BudgetCeil() float64 {
	return b.budgetCeil
}

// Attempt credits elapsed time into the budget and withdraws up to cost,
// returning the granted amount in [0, cost]. cost must be positive.
func (b *TokenBucket) Attempt(now time.Time, cost float64) uint64 {
	if cost <= 0 {
		panic("tokenbucket: cost must be positive")
	}
	b.updateBudget(now)
	result := cost
	if b.budget < result {
		result = b.budget
	}
	if result < 0 {
		result = 0
	}
	granted := uint64(result)
	b.budget -= float64(granted)
	return granted
}

func (b *TokenBucket) updateBudget(now time.Time) {
	if now.Before(b.prevTime) {
		panic("tokenbucket: clock moved backwards")
	}
	elapsed := now.Sub(b.prevTime)
	b.prevTime = now
	b.budget += b.rate * elapsed.Seconds()
	if b.budget > b.budgetCeil {
		b.budget = b.budgetCeil
	}
}

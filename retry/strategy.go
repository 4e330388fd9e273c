// Copyright 2025 YBloom
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import "fmt"

// Strategy selects how the delay before the next attempt is computed.
// Attempts are numbered from 1.
type Strategy int

const (
	// StrategyLuckyUser grows the base delay slowly and adds randomized
	// "hesitation" plus an occasional long pause, imitating a human
	// retrying by hand instead of a mechanical schedule. This is the
	// default and the recommended strategy for scraping servers that
	// penalize bot-like traffic.
	StrategyLuckyUser Strategy = iota
	// StrategyExponentialBackoff is the classic base * factor^(attempt-1)
	// schedule, capped at the configured maximum.
	StrategyExponentialBackoff
	// StrategyFibonacci scales the base delay by fib(attempt).
	StrategyFibonacci
	// StrategyLinearJitter scales the base delay linearly with the
	// attempt number.
	StrategyLinearJitter
)

func (s Strategy) String() string {
	switch s {
	case StrategyLuckyUser:
		return "lucky_user"
	case StrategyExponentialBackoff:
		return "exponential"
	case StrategyFibonacci:
		return "fibonacci"
	case StrategyLinearJitter:
		return "linear_jitter"
	default:
		return fmt.Sprintf("Strategy(%d)", s)
	}
}

// fibonacci returns fib(n) with fib(0)=0, fib(1)=1.
func fibonacci(n int) int {
	if n <= 1 {
		return n
	}
	a, b := 0, 1
	for i := 0; i < n-1; i++ {
		a, b = b, a+b
	}
	return b
}

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

import "context"

// Do runs fn under the policy and returns its value. It is a convenience
// wrapper for operations that produce a result; Policy.Execute remains the
// primitive. A nil policy gets the default configuration.
func Do[T any](ctx context.Context, p *Policy, strategy Strategy, fn func(context.Context) (T, error)) (T, error) {
	if p == nil {
		p = NewPolicy(DefaultConfig())
	}
	var result T
	err := p.Execute(ctx, strategy, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	}, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

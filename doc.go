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

// Package luckyhttp provides a resilient HTTP client for hostile or
// flaky origins. It layers three cooperating components over the
// standard net/http stack:
//
//   - An adaptive retry policy (package retry) whose delays and give-up
//     probability tune themselves to the observed success rate.
//   - A warm connection pool (package pool) of single-connection
//     transports picked by response time, with TTL-based recreation and
//     keep-alive probing.
//   - A backend health prober (package probe) that scores the
//     individual IPs behind the target domain. Its ranking is advisory;
//     it informs logging and diagnostics but never routes requests.
//
// The zero-config path is one call:
//
//	client, err := luckyhttp.New("https://example.com")
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//	body, err := client.Fetch(ctx, "/status")
//
// Initialization is lazy. The first request warms the pool and starts
// the prober; call [Client.Initialize] to front-load that work. Every
// knob has a functional option (see [WithRetryConfig], [WithPoolConfig],
// [WithProberConfig]) and a JSON file form (see [LoadConfig]).
package luckyhttp

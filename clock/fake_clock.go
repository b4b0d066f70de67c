// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package clock

import "time"

// FakeClock is a Clock whose time only moves when the test moves it, so
// inode timestamps become assertable values instead of wall-clock reads.
type FakeClock struct {
	current time.Time
}

// NewFakeClock returns a FakeClock frozen at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the frozen time.
func (c *FakeClock) Now() time.Time {
	return c.current
}

// SetTime moves the clock to t.
func (c *FakeClock) SetTime(t time.Time) {
	c.current = t
}

// AdvanceTime moves the clock forward by d.
func (c *FakeClock) AdvanceTime(d time.Duration) {
	c.current = c.current.Add(d)
}

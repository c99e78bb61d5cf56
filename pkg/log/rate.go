// Copyright The Slurm GRES Authors. All Rights Reserved.
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

package log

import (
	"time"

	"golang.org/x/time/rate"
)

// ratelimited is a Logger which suppresses messages beyond a rate limit.
type ratelimited struct {
	Logger
	limit *rate.Limiter
}

// RateLimited returns a variant of the given Logger which emits at most
// one message per interval, with the given burst allowance. Suppressed
// messages are silently dropped.
func RateLimited(l Logger, interval time.Duration, burst int) Logger {
	return ratelimited{
		Logger: l,
		limit:  rate.NewLimiter(rate.Every(interval), burst),
	}
}

func (r ratelimited) Debug(format string, args ...interface{}) {
	if !r.limit.Allow() {
		return
	}
	r.Logger.Debug(format, args...)
}

func (r ratelimited) Info(format string, args ...interface{}) {
	if !r.limit.Allow() {
		return
	}
	r.Logger.Info(format, args...)
}

func (r ratelimited) Warn(format string, args ...interface{}) {
	if !r.limit.Allow() {
		return
	}
	r.Logger.Warn(format, args...)
}

func (r ratelimited) Error(format string, args ...interface{}) {
	if !r.limit.Allow() {
		return
	}
	r.Logger.Error(format, args...)
}

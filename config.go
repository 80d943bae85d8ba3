// Copyright 2024 Ali Abbas. All Rights Reserved.
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

package eventmanager

import (
	"log"

	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// Config carries everything an EventManager needs at construction. The
// runtime reads no environment; all configuration arrives here.
type Config struct {
	// QueueDepth is the submission queue depth requested from the kernel.
	// The kernel may round it up. Zero selects DefaultQueueDepth.
	QueueDepth uint32

	// OpContext, if set, is the parent context for per-operation tracing
	// spans. Background() if nil.
	OpContext context.Context

	// DebugLogger receives per-operation chatter: submissions,
	// completions, state transitions. Often nil.
	DebugLogger *log.Logger

	// ErrorLogger receives unexpected conditions that the runtime can
	// recover from. Often nil.
	ErrorLogger *log.Logger

	// Clock stamps submissions so completion latency shows up in the
	// debug log. RealClock if nil.
	Clock timeutil.Clock
}

// DefaultQueueDepth is used when Config.QueueDepth is zero.
const DefaultQueueDepth = 256

func (c *Config) fillDefaults() {
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.OpContext == nil {
		c.OpContext = context.Background()
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock()
	}
	if c.DebugLogger == nil {
		c.DebugLogger = getLogger()
	}
}

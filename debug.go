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
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"runtime"
	"sync"
)

var fEnableDebug = flag.Bool(
	"eventmanager.debug",
	false,
	"Write event manager debugging messages to stderr.")

var gLogger *log.Logger
var gLoggerOnce sync.Once

func initLogger() {
	var writer io.Writer = io.Discard
	if flag.Parsed() && *fEnableDebug {
		writer = os.Stderr
	}

	const flags = log.Ldate | log.Ltime | log.Lmicroseconds
	gLogger = log.New(writer, "eventmanager: ", flags)
}

func getLogger() *log.Logger {
	gLoggerOnce.Do(initLogger)
	return gLogger
}

// Log debugging information for an in-flight operation. calldepth is the
// depth to use when recovering file:line information with runtime.Caller.
func (ev *EventManager) debugLog(
	opID uint64,
	calldepth int,
	format string,
	v ...interface{}) {
	if ev.debugLogger == nil {
		return
	}

	var file string
	var line int
	var ok bool

	_, file, line, ok = runtime.Caller(calldepth)
	if !ok {
		file = "???"
	}

	fileLine := fmt.Sprintf("%v:%v", path.Base(file), line)

	msg := fmt.Sprintf(
		"Op 0x%08x %24s] %v",
		opID,
		fileLine,
		fmt.Sprintf(format, v...))

	ev.debugLogger.Println(msg)
}

func (ev *EventManager) errorLog(format string, v ...interface{}) {
	if ev.errorLogger == nil {
		return
	}
	ev.errorLogger.Printf(format, v...)
}

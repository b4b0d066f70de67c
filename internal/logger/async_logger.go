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

package logger

import (
	"fmt"
	"io"
	"os"
)

// AsyncLogger decouples writes to a potentially slow sink (a rotating log
// file on a busy filesystem) from the goroutine producing log lines, so a
// stalled writer never blocks a crypto or fs operation. Writes beyond the
// buffer are dropped rather than blocking, with a warning to stderr.
type AsyncLogger struct {
	w    io.WriteCloser
	ch   chan []byte
	done chan struct{}
}

// NewAsyncLogger starts the background goroutine that drains ch into w.
// bufferSize bounds how many pending writes may queue before new writes
// are dropped.
func NewAsyncLogger(w io.WriteCloser, bufferSize int) *AsyncLogger {
	l := &AsyncLogger{
		w:    w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for p := range l.ch {
		if _, err := l.w.Write(p); err != nil {
			return
		}
	}
}

// Write queues p for the background writer. It never blocks: if the
// buffer is full the message is dropped and a warning is printed to
// stderr.
func (l *AsyncLogger) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)

	select {
	case l.ch <- cp:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close drains the remaining buffered writes and closes the underlying
// writer.
func (l *AsyncLogger) Close() error {
	close(l.ch)
	<-l.done
	return l.w.Close()
}

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
	"sync"
)

// AsyncLogger decouples log emission from the (possibly slow, rotating)
// underlying file sink: a single goroutine drains a bounded channel of
// already-formatted lines, so a disk hiccup on the log file never blocks an
// extent operation. Messages are dropped, not blocked on, once the buffer
// fills.
type AsyncLogger struct {
	dst      io.WriteCloser
	messages chan []byte
	done     chan struct{}
	closeOne sync.Once
}

// NewAsyncLogger starts the drain goroutine and returns a ready-to-use
// logger. bufSize bounds how many pending lines may queue before new writes
// are dropped.
func NewAsyncLogger(dst io.WriteCloser, bufSize int) *AsyncLogger {
	l := &AsyncLogger{
		dst:      dst,
		messages: make(chan []byte, bufSize),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for msg := range l.messages {
		if _, err := l.dst.Write(msg); err != nil {
			fmt.Fprintf(os.Stderr, "asynclogger: write failed: %v\n", err)
		}
	}
}

// Write implements io.Writer. p is copied, since the caller may reuse its
// buffer after Write returns.
func (l *AsyncLogger) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case l.messages <- buf:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close drains remaining buffered messages and closes the underlying sink.
func (l *AsyncLogger) Close() error {
	l.closeOne.Do(func() {
		close(l.messages)
	})
	<-l.done
	return l.dst.Close()
}

// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package process

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// A Stream buffers the output of a process as an ordered sequence of chunks.
// Producers Push chunks and Close the stream when the process terminates;
// a single consumer calls Next. Chunks are dropped once consumed.
type Stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks []string
	closed bool
	err    error
}

func NewStream() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push appends a chunk. Pushing to a closed stream is a no-op.
func (s *Stream) Push(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.chunks = append(s.chunks, chunk)
	s.cond.Broadcast()
}

// Close marks the end of the stream. If err is non-nil, it is returned by
// Next after all buffered chunks have been read; otherwise io.EOF is.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.cond.Broadcast()
}

// Next returns the next chunk, blocking until one is available or the stream
// is closed.
func (s *Stream) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	chunk := s.chunks[0]
	s.chunks[0] = ""
	s.chunks = s.chunks[1:]
	return chunk, nil
}

// Pump reads r line by line until EOF, pushing each line (including its
// newline) as a chunk, then closes the stream.
func (s *Stream) Pump(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			s.Push(line)
		}
		if err == io.EOF {
			s.Close(nil)
			return
		}
		if err != nil {
			s.Close(err)
			return
		}
	}
}

// LockedBuffer is a bytes.Buffer that can be written by a copying goroutine
// while being read by another.
type LockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

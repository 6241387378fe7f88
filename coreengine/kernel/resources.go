// Package kernel provides per-process resource tables.
//
// Features:
//   - Console, file and null resources behind one tagged variant
//   - File descriptor allocation (lowest free slot above stdio)
//   - Read/write dispatch with -1 on invalid descriptors
package kernel

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"sync"
)

// Logger interface for kernel components.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Console
// =============================================================================

// Console is the keyboard and serial output the stdio resources talk to.
type Console interface {
	// PopKey returns the next buffered input byte.
	PopKey() (byte, bool)
	// Print writes to standard output.
	Print(p []byte)
	// Warn writes to standard error.
	Warn(p []byte)
}

// BufferConsole is an in-memory Console.
type BufferConsole struct {
	mu     sync.Mutex
	input  []byte
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// NewBufferConsole creates an empty console.
func NewBufferConsole() *BufferConsole {
	return &BufferConsole{}
}

// PushInput queues keyboard input.
func (c *BufferConsole) PushInput(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = append(c.input, s...)
}

// PopKey implements Console.
func (c *BufferConsole) PopKey() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.input) == 0 {
		return 0, false
	}
	b := c.input[0]
	c.input = c.input[1:]
	return b, true
}

// Print implements Console.
func (c *BufferConsole) Print(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdout.Write(p)
}

// Warn implements Console.
func (c *BufferConsole) Warn(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderr.Write(p)
}

// Output drains and returns everything printed to standard output.
func (c *BufferConsole) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stdout.String()
	c.stdout.Reset()
	return s
}

// Errors drains and returns everything printed to standard error.
func (c *BufferConsole) Errors() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stderr.String()
	c.stderr.Reset()
	return s
}

// =============================================================================
// Resource
// =============================================================================

// ResourceKind tags the Resource variant.
type ResourceKind string

const (
	ResourceConsole ResourceKind = "console"
	ResourceFile    ResourceKind = "file"
	ResourceNull    ResourceKind = "null"
)

// StdIO selects one console stream.
type StdIO int

const (
	Stdin StdIO = iota
	Stdout
	Stderr
)

// Resource is an open handle in a process's descriptor table.
type Resource struct {
	Kind   ResourceKind
	Stream StdIO
	Name   string
	file   fs.File
}

// ConsoleResource wraps one console stream.
func ConsoleResource(s StdIO) Resource {
	return Resource{Kind: ResourceConsole, Stream: s}
}

// FileResource wraps an open read-only file.
func FileResource(name string, f fs.File) Resource {
	return Resource{Kind: ResourceFile, Name: name, file: f}
}

// NullResource discards writes and reads nothing.
func NullResource() Resource {
	return Resource{Kind: ResourceNull}
}

func (r Resource) read(console Console, buf []byte) (int, bool) {
	switch r.Kind {
	case ResourceConsole:
		if r.Stream != Stdin {
			return 0, false
		}
		if len(buf) == 0 {
			return 0, true
		}
		key, ok := console.PopKey()
		if !ok {
			return 0, true
		}
		buf[0] = key
		return 1, true
	case ResourceFile:
		n, err := r.file.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, false
		}
		return n, true
	case ResourceNull:
		return 0, true
	}
	return 0, false
}

func (r Resource) write(console Console, data []byte) (int, bool) {
	switch r.Kind {
	case ResourceConsole:
		switch r.Stream {
		case Stdout:
			console.Print(data)
			return len(data), true
		case Stderr:
			console.Warn(data)
			return len(data), true
		}
		return 0, false
	case ResourceFile:
		// read-only filesystem
		return 0, false
	case ResourceNull:
		return len(data), true
	}
	return 0, false
}

func (r Resource) close() {
	if r.Kind == ResourceFile && r.file != nil {
		_ = r.file.Close()
	}
}

// =============================================================================
// Resource Set
// =============================================================================

// ResourceSet maps file descriptors to resources. Descriptors 0, 1 and 2
// are bound to the console at creation. Thread-safe; forked processes share
// one set.
type ResourceSet struct {
	console Console
	handles map[int]Resource
	mu      sync.Mutex
}

// NewResourceSet creates a descriptor table with stdio bound to console.
func NewResourceSet(console Console) *ResourceSet {
	if console == nil {
		console = NewBufferConsole()
	}
	return &ResourceSet{
		console: console,
		handles: map[int]Resource{
			0: ConsoleResource(Stdin),
			1: ConsoleResource(Stdout),
			2: ConsoleResource(Stderr),
		},
	}
}

// FirstFreeFD is the lowest descriptor Open hands out. The stdio slots
// below it are never reused, so 0 stays free to mean failure.
const FirstFreeFD = 3

// Open installs r at the lowest free descriptor from FirstFreeFD and
// returns it.
func (s *ResourceSet) Open(r Resource) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fd := FirstFreeFD
	for {
		if _, used := s.handles[fd]; !used {
			break
		}
		fd++
	}
	s.handles[fd] = r
	return fd
}

// Close removes fd. Returns false if fd is not open.
func (s *ResourceSet) Close(fd int) bool {
	s.mu.Lock()
	r, ok := s.handles[fd]
	delete(s.handles, fd)
	s.mu.Unlock()

	if ok {
		r.close()
	}
	return ok
}

// Read reads from fd into buf. Returns the byte count, or -1 if fd is not
// open for reading.
func (s *ResourceSet) Read(fd int, buf []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.handles[fd]
	if !ok {
		return -1
	}
	n, ok := r.read(s.console, buf)
	if !ok {
		return -1
	}
	return int64(n)
}

// Write writes data to fd. Returns the byte count, or -1 if fd is not open
// for writing.
func (s *ResourceSet) Write(fd int, data []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.handles[fd]
	if !ok {
		return -1
	}
	n, ok := r.write(s.console, data)
	if !ok {
		return -1
	}
	return int64(n)
}

// Get returns the resource bound to fd.
func (s *ResourceSet) Get(fd int) (Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.handles[fd]
	return r, ok
}

// Len returns the number of open descriptors.
func (s *ResourceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

package main

import (
	"bufio"
	"io"
	"sync"
)

// terminalConsole binds process stdio to the server's own streams. Input
// read from in is queued for the stdin resource.
type terminalConsole struct {
	mu    sync.Mutex
	input []byte

	out io.Writer
	err io.Writer
}

func newTerminalConsole(out, errOut io.Writer) *terminalConsole {
	return &terminalConsole{out: out, err: errOut}
}

// feed copies in into the input queue until EOF.
func (c *terminalConsole) feed(in io.Reader) {
	r := bufio.NewReader(in)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.input = append(c.input, buf[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *terminalConsole) PopKey() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.input) == 0 {
		return 0, false
	}
	b := c.input[0]
	c.input = c.input[1:]
	return b, true
}

func (c *terminalConsole) Print(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.out.Write(p)
}

func (c *terminalConsole) Warn(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.err.Write(p)
}

package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

type Line struct {
	Level zapcore.Level
	Text  string
}

// Buffer keeps the most recent log lines, overwriting the oldest.
type Buffer struct {
	mu    sync.Mutex
	lines []Line
	next  int
	full  bool
}

func NewBuffer(size int) *Buffer {
	return &Buffer{lines: make([]Line, size)}
}

func (b *Buffer) add(l Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = l
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// ordered returns the lines oldest first. Caller holds mu.
func (b *Buffer) ordered() []Line {
	if !b.full {
		return append([]Line(nil), b.lines[:b.next]...)
	}
	out := make([]Line, 0, len(b.lines))
	out = append(out, b.lines[b.next:]...)
	return append(out, b.lines[:b.next]...)
}

// Lines returns up to n of the newest lines at or above min, newest last.
// n <= 0 means all.
func (b *Buffer) Lines(n int, min zapcore.Level) []string {
	b.mu.Lock()
	all := b.ordered()
	b.mu.Unlock()

	var out []string
	for _, l := range all {
		if l.Level >= min {
			out = append(out, l.Text)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.lines)
	}
	return b.next
}

// Text joins every buffered line.
func (b *Buffer) Text() string {
	lines := b.Lines(0, zapcore.DebugLevel)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.lines {
		b.lines[i] = Line{}
	}
	b.next = 0
	b.full = false
}

type bufferCore struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
	buf *Buffer
}

// NewBufferCore is a zapcore.Core writing encoded entries into buf.
func NewBufferCore(buf *Buffer, enc zapcore.Encoder, level zapcore.LevelEnabler) zapcore.Core {
	return &bufferCore{LevelEnabler: level, enc: enc, buf: buf}
}

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &bufferCore{LevelEnabler: c.LevelEnabler, enc: enc, buf: c.buf}
}

func (c *bufferCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *bufferCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	out, err := c.enc.EncodeEntry(e, fields)
	if err != nil {
		return err
	}
	c.buf.add(Line{Level: e.Level, Text: strings.TrimRight(out.String(), "\n")})
	out.Free()
	return nil
}

func (c *bufferCore) Sync() error { return nil }

package executor

import "bytes"

// LimitedBuffer keeps the first Max bytes written to it and silently drains
// the rest, so a chatty program can neither exhaust memory nor block on a full
// pipe. A Max of zero or less means unlimited.
type LimitedBuffer struct {
	buf       bytes.Buffer
	Max       int64
	truncated bool
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	if b.Max <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.Max - int64(b.buf.Len())
	switch {
	case remaining <= 0:
		b.truncated = b.truncated || len(p) > 0
	case int64(len(p)) > remaining:
		b.buf.Write(p[:remaining])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// Truncated reports whether anything was dropped.
func (b *LimitedBuffer) Truncated() bool {
	return b.truncated
}

func (b *LimitedBuffer) String() string {
	return b.buf.String()
}

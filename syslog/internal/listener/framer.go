package listener

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	readBufferSize  = 64 * 1024
	maxLengthDigits = 9
)

// framer splits a syslog stream into messages. Each frame is either RFC 6587
// octet counted ("LEN SP MSG") or non-transparent, ending at LF or NUL. The
// method is detected per frame.
//
// A frame longer than max is returned as its first max+1 bytes; the rest of
// it is discarded so the stream stays in sync.
type framer struct {
	br  *bufio.Reader
	max int
	buf []byte
}

func newFramer(r io.Reader, max int) *framer {
	return &framer{
		br:  bufio.NewReaderSize(r, readBufferSize),
		max: max,
		buf: make([]byte, 0, 1024),
	}
}

// next returns the next frame. The slice is only valid until the next call.
func (f *framer) next() ([]byte, error) {
	for {
		c, err := f.br.ReadByte()
		if err != nil {
			return nil, err
		}
		switch {
		case c == '\n' || c == '\r' || c == 0:
			continue
		case c >= '0' && c <= '9':
			return f.octetOrDelimited(c)
		default:
			f.buf = append(f.buf[:0], c)
			return f.delimited()
		}
	}
}

func (f *framer) octetOrDelimited(first byte) ([]byte, error) {
	f.buf = append(f.buf[:0], first)
	for len(f.buf) <= maxLengthDigits {
		c, err := f.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return f.buf, nil
			}
			return nil, err
		}
		if c >= '0' && c <= '9' {
			f.buf = append(f.buf, c)
			continue
		}
		if c == ' ' {
			n, _ := strconv.Atoi(string(f.buf))
			return f.octet(n)
		}
		if c == '\n' || c == 0 {
			return f.buf, nil
		}
		f.buf = append(f.buf, c)
		return f.delimited()
	}
	return f.delimited()
}

func (f *framer) octet(n int) ([]byte, error) {
	keep := n
	if keep > f.max+1 {
		keep = f.max + 1
	}
	if cap(f.buf) < keep {
		f.buf = make([]byte, keep)
	}
	f.buf = f.buf[:keep]
	if _, err := io.ReadFull(f.br, f.buf); err != nil {
		return nil, err
	}
	if rest := n - keep; rest > 0 {
		if _, err := f.br.Discard(rest); err != nil {
			return nil, err
		}
	}
	return f.buf, nil
}

// delimited reads to the next LF or NUL, appending to f.buf.
func (f *framer) delimited() ([]byte, error) {
	for {
		want := f.br.Buffered()
		if want == 0 {
			want = 1
		}
		chunk, err := f.br.Peek(want)
		if len(chunk) == 0 {
			if errors.Is(err, io.EOF) && len(f.buf) > 0 {
				return f.trimCR(), nil
			}
			return nil, err
		}
		i := bytes.IndexAny(chunk, "\n\x00")
		n := len(chunk)
		if i >= 0 {
			n = i
		}
		f.appendBounded(chunk[:n])
		if i >= 0 {
			n++
		}
		if _, err := f.br.Discard(n); err != nil {
			return nil, err
		}
		if i >= 0 {
			return f.trimCR(), nil
		}
	}
}

func (f *framer) appendBounded(p []byte) {
	if room := f.max + 1 - len(f.buf); room < len(p) {
		if room <= 0 {
			return
		}
		p = p[:room]
	}
	f.buf = append(f.buf, p...)
}

func (f *framer) trimCR() []byte {
	if n := len(f.buf); n > 0 && n <= f.max && f.buf[n-1] == '\r' {
		return f.buf[:n-1]
	}
	return f.buf
}

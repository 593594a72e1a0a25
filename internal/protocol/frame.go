package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Framing selects how frames are delimited on the host stream.
type Framing string

const (
	// FramingNative is the browser native-messaging format: a 4-byte
	// little-endian length followed by UTF-8 JSON.
	FramingNative Framing = "native"
	// FramingLines is newline-delimited JSON.
	FramingLines Framing = "lines"
)

// DefaultMaxFrame caps a single inbound frame (the host-to-browser limit).
const DefaultMaxFrame = 1 << 20

// ParseFraming validates a framing name; empty means native.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingNative:
		return FramingNative, nil
	case FramingLines:
		return FramingLines, nil
	}
	return "", fmt.Errorf("unknown framing %q", s)
}

// FrameWriter writes whole frames.
type FrameWriter interface {
	WriteFrame(p []byte) error
}

// FrameReader reads whole frames.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// NewFrameWriter returns a writer for the given framing.
func NewFrameWriter(f Framing, w io.Writer) FrameWriter {
	if f == FramingLines {
		return &lineEncoder{writer: bufio.NewWriter(w)}
	}
	return &nativeEncoder{writer: bufio.NewWriter(w)}
}

// NewFrameReader returns a reader for the given framing. maxFrame <= 0 uses
// DefaultMaxFrame.
func NewFrameReader(f Framing, r io.Reader, maxFrame int) FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if f == FramingLines {
		return &lineDecoder{reader: bufio.NewReader(r), max: maxFrame}
	}
	return &nativeDecoder{reader: bufio.NewReader(r), max: maxFrame}
}

type nativeEncoder struct {
	writer *bufio.Writer
}

func (e *nativeEncoder) WriteFrame(p []byte) error {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(p)))
	if _, err := e.writer.Write(size[:]); err != nil {
		return err
	}
	if _, err := e.writer.Write(p); err != nil {
		return err
	}
	return e.writer.Flush()
}

type nativeDecoder struct {
	reader *bufio.Reader
	max    int
}

func (d *nativeDecoder) ReadFrame() ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(d.reader, size[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(size[:])
	if int64(n) > int64(d.max) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, d.max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.reader, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

type lineEncoder struct {
	writer *bufio.Writer
}

func (e *lineEncoder) WriteFrame(p []byte) error {
	if bytes.IndexByte(p, '\n') >= 0 {
		return fmt.Errorf("frame contains a newline")
	}
	if _, err := e.writer.Write(p); err != nil {
		return err
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return err
	}
	return e.writer.Flush()
}

type lineDecoder struct {
	reader *bufio.Reader
	max    int
}

// readLine reads up to and including the next newline, failing as soon as
// the line outgrows max.
func (d *lineDecoder) readLine() ([]byte, error) {
	var line []byte
	for {
		part, err := d.reader.ReadSlice('\n')
		if len(line)+len(part) > d.max {
			return nil, fmt.Errorf("line frame exceeds limit %d", d.max)
		}
		line = append(line, part...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

func (d *lineDecoder) ReadFrame() ([]byte, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				return bytes.TrimSpace(line), nil
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

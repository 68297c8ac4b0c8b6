package video

import (
	"bytes"
	"errors"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameBytes bounds the buffered partial frame
const maxFrameBytes = 16 << 20

// ErrFrameTooLarge is returned when no end-of-image marker appears within
// maxFrameBytes
var ErrFrameTooLarge = errors.New("jpeg frame exceeds size limit")

// JPEGSplitter cuts a concatenated MJPEG byte stream into individual images
// using the start (FFD8) and end (FFD9) of image markers. Bytes before a start
// marker are discarded.
type JPEGSplitter struct {
	r   io.Reader
	buf []byte
	eof bool
}

// NewJPEGSplitter wraps r
func NewJPEGSplitter(r io.Reader) *JPEGSplitter {
	return &JPEGSplitter{r: r, buf: make([]byte, 0, 256<<10)}
}

// Next returns the next complete image. It returns io.EOF once the stream
// ends; a trailing partial image is dropped.
func (s *JPEGSplitter) Next() ([]byte, error) {
	chunk := make([]byte, 32<<10)
	for {
		if frame := s.extract(); frame != nil {
			return frame, nil
		}
		if s.eof {
			return nil, io.EOF
		}
		if len(s.buf) > maxFrameBytes {
			return nil, ErrFrameTooLarge
		}

		n, err := s.r.Read(chunk)
		s.buf = append(s.buf, chunk[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			s.eof = true
		}
	}
}

func (s *JPEGSplitter) extract() []byte {
	start := bytes.Index(s.buf, jpegSOI)
	if start < 0 {
		// keep a trailing 0xFF that may begin a marker split across reads
		if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
			s.buf = append(s.buf[:0], 0xFF)
		} else {
			s.buf = s.buf[:0]
		}
		return nil
	}

	end := bytes.Index(s.buf[start+2:], jpegEOI)
	if end < 0 {
		if start > 0 {
			s.buf = append(s.buf[:0], s.buf[start:]...)
		}
		return nil
	}
	end += start + 2 + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, s.buf[start:end])
	s.buf = append(s.buf[:0], s.buf[end:]...)
	return frame
}

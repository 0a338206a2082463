// Package wire implements the proxy's line-based framing.
//
// A request is a "METHOD PATH VERSION" line, zero or more "Header: value"
// lines and one empty line. A response is a status line, header lines up to a
// blank line, then raw body bytes until the peer closes. Lines may end in
// "\n" or "\r\n"; the raw bytes are always preserved so that messages can be
// forwarded and replayed exactly as they were received.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultMaxHeadBytes bounds the size of a request head.
const DefaultMaxHeadBytes = 64 << 10

var (
	// ErrMalformedRequest is returned when a request head cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrMalformedResponse is returned when a response has no valid status line.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrHeadTooLarge is returned when a request head exceeds its size limit.
	ErrHeadTooLarge = errors.New("request head too large")
)

// Key returns the cache key for a request class: the upper-cased method, a
// space, and the path exactly as received.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// readLine reads one line including its terminator. It returns io.EOF only
// when no bytes were read at all; a final unterminated line is returned with
// a nil error. budget is decremented by the bytes consumed, and exceeding it
// yields ErrHeadTooLarge.
func readLine(br *bufio.Reader, budget *int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if budget != nil {
			*budget -= len(chunk)
			if *budget < 0 {
				return nil, ErrHeadTooLarge
			}
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, nil
		default:
			return line, err
		}
	}
}

func trimEOL(line []byte) string {
	return string(bytes.TrimRight(line, "\r\n"))
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func malformed(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

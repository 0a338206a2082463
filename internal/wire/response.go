package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// Response is a response as read from the origin or replayed from the cache.
type Response struct {
	StatusLine string
	Headers    []string
	Body       []byte
	// Raw is every byte received, in order. This is what gets cached and
	// written back to clients.
	Raw []byte
	// Truncated is set when the read deadline expired before the origin
	// closed the connection. Raw then holds what arrived before the stall.
	Truncated bool
}

// OK reports whether the status line indicates success. The check is a plain
// substring match on "200 OK".
func (r *Response) OK() bool {
	return strings.Contains(r.StatusLine, "200 OK")
}

// WriteTo writes the raw response bytes to w.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Raw)
	return int64(n), err
}

// ReadResponse reads a status line, header lines up to a blank line, and then
// the body until EOF.
//
// A read deadline that expires after the status line has been read is not an
// error: the bytes received so far are returned with Truncated set. A deadline
// expiring earlier, or any other transport error, is returned as an error.
// EOF inside the header block ends the response with an empty body.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	first, err := readLine(br, nil)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, malformed(ErrMalformedResponse, "empty response")
		}
		return nil, err
	}
	status := trimEOL(first)
	if !strings.HasPrefix(status, "HTTP/") || len(strings.Fields(status)) < 2 {
		return nil, malformed(ErrMalformedResponse, "invalid status line %q", status)
	}

	resp := &Response{StatusLine: status}
	var raw bytes.Buffer
	raw.Write(first)

	for {
		line, err := readLine(br, nil)
		raw.Write(line)
		if err != nil {
			if errors.Is(err, io.EOF) {
				resp.Raw = raw.Bytes()
				return resp, nil
			}
			if IsTimeout(err) {
				resp.Raw = raw.Bytes()
				resp.Truncated = true
				return resp, nil
			}
			return nil, err
		}
		text := trimEOL(line)
		if text == "" {
			break
		}
		resp.Headers = append(resp.Headers, text)
	}

	headLen := raw.Len()
	_, err = raw.ReadFrom(br)
	resp.Raw = raw.Bytes()
	resp.Body = resp.Raw[headLen:]
	if err != nil {
		if !IsTimeout(err) {
			return nil, err
		}
		resp.Truncated = true
	}
	return resp, nil
}

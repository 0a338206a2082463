package wire

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Request is one inbound request head. It is owned by a single connection
// handler and never shared.
type Request struct {
	Method  string
	Path    string
	Version string
	// Headers holds the header lines without their line terminators.
	Headers []string
	// Raw is the head exactly as received, blank line included.
	Raw []byte
	// Body yields whatever the client sends after the head. It is never
	// parsed; the origin client streams it through. May be nil.
	Body io.Reader
}

// Key returns the cache key of the request.
func (r *Request) Key() string {
	return Key(r.Method, r.Path)
}

// Cacheable reports whether the request method is eligible for caching.
// Only GET is.
func (r *Request) Cacheable() bool {
	return strings.EqualFold(r.Method, "GET")
}

// Header returns the value of the first header named name (case-insensitive).
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		k, v, ok := strings.Cut(h, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ReadRequest reads and parses exactly one request head from br. A head cut
// short by EOF after the request line is accepted as complete. maxBytes <= 0
// selects DefaultMaxHeadBytes. The returned request's Body is br itself, so
// body bytes already buffered behind the head are not lost.
func ReadRequest(br *bufio.Reader, maxBytes int) (*Request, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxHeadBytes
	}
	budget := maxBytes

	first, err := readLine(br, &budget)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, malformed(ErrMalformedRequest, "missing request line")
		}
		return nil, err
	}

	fields := strings.Fields(trimEOL(first))
	if len(fields) < 2 {
		return nil, malformed(ErrMalformedRequest, "invalid request line %q", trimEOL(first))
	}

	req := &Request{
		Method: fields[0],
		Path:   fields[1],
		Raw:    append([]byte(nil), first...),
		Body:   br,
	}
	if len(fields) > 2 {
		req.Version = fields[2]
	}

	for {
		line, err := readLine(br, &budget)
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		if err != nil {
			return nil, err
		}
		req.Raw = append(req.Raw, line...)

		text := trimEOL(line)
		if text == "" {
			return req, nil
		}
		if !strings.Contains(text, ":") {
			return nil, malformed(ErrMalformedRequest, "invalid header line %q", text)
		}
		req.Headers = append(req.Headers, text)
	}
}

package wire

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestKey(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{"GET", "/x", "GET /x"},
		{"get", "/x", "GET /x"},
		{"Post", "/API/Data", "POST /API/Data"},
	}
	for _, tt := range tests {
		if got := Key(tt.method, tt.path); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestReadRequest(t *testing.T) {
	raw := "GET /api/data?id=7 HTTP/1.1\r\nHost: localhost\r\nX-Trace: abc\r\n\r\n"
	req, err := ReadRequest(reader(raw+"leftover"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != "GET" || req.Path != "/api/data?id=7" || req.Version != "HTTP/1.1" {
		t.Errorf("unexpected request line: %+v", req)
	}
	if len(req.Headers) != 2 || req.Header("host") != "localhost" {
		t.Errorf("unexpected headers: %v", req.Headers)
	}
	if string(req.Raw) != raw {
		t.Errorf("raw = %q, want %q", req.Raw, raw)
	}
	if req.Key() != "GET /api/data?id=7" || !req.Cacheable() {
		t.Errorf("unexpected key %q cacheable=%v", req.Key(), req.Cacheable())
	}

	body, _ := io.ReadAll(req.Body)
	if string(body) != "leftover" {
		t.Errorf("body = %q, want leftover", body)
	}
}

func TestReadRequest_LFOnlyAndEOFTerminated(t *testing.T) {
	req, err := ReadRequest(reader("post /submit HTTP/1.0\nHost: a\n"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Cacheable() {
		t.Error("POST must not be cacheable")
	}
	if req.Key() != "POST /submit" {
		t.Errorf("key = %q", req.Key())
	}
	if string(req.Raw) != "post /submit HTTP/1.0\nHost: a\n" {
		t.Errorf("raw = %q", req.Raw)
	}
}

func TestReadRequest_TwoTokenRequestLine(t *testing.T) {
	req, err := ReadRequest(reader("GET /\n\n"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Version != "" {
		t.Errorf("version = %q, want empty", req.Version)
	}
}

func TestReadRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"blank request line", "\r\n"},
		{"single token", "GET\r\n\r\n"},
		{"bad header", "GET / HTTP/1.1\r\nnot a header\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRequest(reader(tt.in), 0)
			if !errors.Is(err, ErrMalformedRequest) {
				t.Fatalf("expected ErrMalformedRequest, got %v", err)
			}
		})
	}
}

func TestReadRequest_HeadTooLarge(t *testing.T) {
	in := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 200) + "\r\n\r\n"
	_, err := ReadRequest(reader(in), 64)
	if !errors.Is(err, ErrHeadTooLarge) {
		t.Fatalf("expected ErrHeadTooLarge, got %v", err)
	}
}

func TestReadResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nConnection: close\r\n\r\n<h1>hi</h1>"
	resp, err := ReadResponse(reader(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.OK() || resp.Truncated {
		t.Errorf("unexpected status: %+v", resp)
	}
	if len(resp.Headers) != 2 {
		t.Errorf("headers = %v", resp.Headers)
	}
	if string(resp.Body) != "<h1>hi</h1>" {
		t.Errorf("body = %q", resp.Body)
	}
	if string(resp.Raw) != raw {
		t.Errorf("raw = %q, want %q", resp.Raw, raw)
	}
}

func TestReadResponse_NotOK(t *testing.T) {
	resp, err := ReadResponse(reader("HTTP/1.1 404 Not Found\n\nmissing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.OK() {
		t.Error("404 must not be OK")
	}
}

func TestReadResponse_EOFInHeaders(t *testing.T) {
	resp, err := ReadResponse(reader("HTTP/1.1 200 OK\nX-A: 1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Body) != 0 || string(resp.Raw) != "HTTP/1.1 200 OK\nX-A: 1\n" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestReadResponse_Malformed(t *testing.T) {
	for _, in := range []string{"", "\r\n\r\nbody", "garbage line\n\n", "HTTP/1.1\n\n"} {
		if _, err := ReadResponse(reader(in)); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("ReadResponse(%q): expected ErrMalformedResponse, got %v", in, err)
		}
	}
}

func TestReadResponse_TimeoutAfterHeaders(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nX-Slow: yes\r\n\r\npartial"))
		// stall without closing
	}()

	_ = client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	resp, err := ReadResponse(bufio.NewReader(client))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Truncated {
		t.Error("expected truncated response")
	}
	if !strings.HasPrefix(string(resp.Raw), "HTTP/1.1 200 OK\r\nX-Slow: yes\r\n\r\n") {
		t.Errorf("raw = %q", resp.Raw)
	}
}

func TestReadResponse_TimeoutBeforeStatus(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_ = client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := ReadResponse(bufio.NewReader(client))
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

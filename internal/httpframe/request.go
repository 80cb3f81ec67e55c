// Package httpframe implements the restricted HTTP/1.x request/response
// framing used at the worker boundary: a request line plus headers
// terminated by a blank line, a lazily-read Content-Length-bounded body,
// and response serialization with Content-Length fill-in.
package httpframe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/taesko/preforkd/internal/wserr"
)

// Limits bounds how much of a request head the parser will buffer before
// failing with RequestTooLarge.
type Limits struct {
	MaxLineLength int
	MaxHeaderSize int
}

// DefaultLimits matches a conservative, widely used HTTP/1.1 server
// configuration.
var DefaultLimits = Limits{MaxLineLength: 8192, MaxHeaderSize: 64 * 1024}

// Request is the parsed head of an HTTP request plus a lazily-read body.
type Request struct {
	Method        string
	RequestTarget string
	HTTPVersion   string
	Headers       *Header

	// QueryString is the portion of RequestTarget after the first '?', or
	// "" if absent — split out because the CGI environment needs it
	// separately from the path.
	QueryString string
	Path        string

	Body io.Reader
}

// ParseRequest reads a request line and header block from r terminated by
// CRLF CRLF, then wraps the remainder as a Content-Length-bounded lazy
// body reader. r is not buffered by the caller; ParseRequest wraps it in
// a bufio.Reader internally so it can read line-by-line without
// over-reading into the body.
func ParseRequest(r io.Reader, limits Limits) (*Request, error) {
	br := bufio.NewReaderSize(r, limits.MaxLineLength)

	line, err := readLine(br, limits.MaxLineLength)
	if err != nil {
		return nil, err
	}
	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	headers := NewHeader()
	headerBytes := 0
	for {
		line, err := readLine(br, limits.MaxLineLength)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		headerBytes += len(line) + 2
		if headerBytes > limits.MaxHeaderSize {
			return nil, wserr.New(wserr.KindRequestTooLarge, "header block exceeds configured limit")
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		headers.Add(name, value)
	}
	req.Headers = headers

	length := 0
	if v, ok := headers.Get("Content-Length"); ok {
		length, err = strconv.Atoi(strings.TrimSpace(v))
		if err != nil || length < 0 {
			return nil, wserr.New(wserr.KindBadRequestSyntax, "invalid Content-Length")
		}
	}
	req.Body = io.LimitReader(br, int64(length))

	return req, nil
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, wserr.New(wserr.KindBadRequestSyntax, "malformed request line")
	}
	method, target, version := parts[0], parts[1], parts[2]
	if method == "" || target == "" || !strings.HasPrefix(version, "HTTP/") {
		return nil, wserr.New(wserr.KindBadRequestSyntax, "malformed request line")
	}

	path, query := target, ""
	if idx := strings.IndexByte(target, '?'); idx != -1 {
		path, query = target[:idx], target[idx+1:]
	}

	return &Request{
		Method:        method,
		RequestTarget: target,
		HTTPVersion:   version,
		Path:          path,
		QueryString:   query,
	}, nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", wserr.New(wserr.KindBadRequestSyntax, "malformed header line")
	}
	name = line[:idx]
	value = strings.TrimSpace(line[idx+1:])
	if name == "" {
		return "", "", wserr.New(wserr.KindBadRequestSyntax, "empty header name")
	}
	return name, value, nil
}

// readLine reads a single CRLF-terminated line (without the CRLF),
// enforcing maxLen and translating EOF mid-line into ClientClosed.
func readLine(br *bufio.Reader, maxLen int) (string, error) {
	var b strings.Builder
	for {
		chunk, err := br.ReadString('\n')
		b.WriteString(chunk)
		if b.Len() > maxLen {
			return "", wserr.New(wserr.KindRequestTooLarge, "line exceeds configured maximum length")
		}
		if err == nil {
			break
		}
		if err == io.EOF {
			if b.Len() == 0 {
				return "", wserr.New(wserr.KindClientClosed, "connection closed before request head completed")
			}
			return "", wserr.New(wserr.KindClientClosed, "unexpected EOF mid-line")
		}
		return "", wserr.Wrap(wserr.KindBadRequestSyntax, "reading request line", err)
	}
	line := b.String()
	if !strings.HasSuffix(line, "\r\n") {
		return "", wserr.New(wserr.KindBadRequestSyntax, "line not terminated by CRLF")
	}
	return strings.TrimSuffix(line, "\r\n"), nil
}

// String reassembles the request line, mostly useful for logging.
func (r *Request) String() string {
	return fmt.Sprintf("%s %s %s", r.Method, r.RequestTarget, r.HTTPVersion)
}

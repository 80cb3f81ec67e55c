package httpframe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/taesko/preforkd/internal/wserr"
)

// StatusText mirrors the handful of reason phrases this server needs;
// routing/static handlers are free to set their own.
var StatusText = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
}

// Response is a status line, header block, and body ready to serialize.
type Response struct {
	HTTPVersion string
	StatusCode  int
	Reason      string
	Headers     *Header
	Body        []byte
}

// NewResponse builds a Response with a default reason phrase looked up
// from StatusText (falling back to "Status" for unrecognized codes).
func NewResponse(httpVersion string, statusCode int, body []byte) *Response {
	reason, ok := StatusText[statusCode]
	if !ok {
		reason = "Status"
	}
	return &Response{
		HTTPVersion: httpVersion,
		StatusCode:  statusCode,
		Reason:      reason,
		Headers:     NewHeader(),
		Body:        body,
	}
}

// ErrorResponse maps err to its canonical status/body pair and builds a
// minimal plain-text Response. Callers should check wserr.Silent first:
// a silent error should close the connection without calling
// ErrorResponse at all.
func ErrorResponse(httpVersion string, err error) *Response {
	status := wserr.StatusFor(err)
	body := []byte(fmt.Sprintf("%d %s\n", status, StatusText[status]))
	return NewResponse(httpVersion, status, body)
}

// WriteTo serializes the response as
// "status_line CRLF (header CRLF)* CRLF body", filling in Content-Length
// if absent, and retrying on short writes. It fails with PeerBroken if
// any write returns zero bytes before completion.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	if _, ok := r.Headers.Get("Content-Length"); !ok {
		r.Headers.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}

	head, err := r.WriteHead(w)
	if err != nil {
		return head, err
	}

	n, err := writeAllRetrying(w, r.Body)
	total := head + n
	if err != nil {
		return total, err
	}
	return total, nil
}

// WriteHead writes just the status line and headers (no body, no
// Content-Length autofill), for callers streaming a body of unknown
// length directly afterward — the CGI handler's forwarding of script
// output is the only such caller.
func (r *Response) WriteHead(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64

	statusLine := fmt.Sprintf("%s %d %s\r\n", r.HTTPVersion, r.StatusCode, r.Reason)
	if _, err := bw.WriteString(statusLine); err != nil {
		return total, wserr.Wrap(wserr.KindPeerBroken, "writing status line", err)
	}
	total += int64(len(statusLine))

	var headerErr error
	r.Headers.Each(func(name, value string) {
		if headerErr != nil {
			return
		}
		line := fmt.Sprintf("%s: %s\r\n", name, value)
		if _, headerErr = bw.WriteString(line); headerErr == nil {
			total += int64(len(line))
		}
	})
	if headerErr != nil {
		return total, wserr.Wrap(wserr.KindPeerBroken, "writing headers", headerErr)
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return total, wserr.Wrap(wserr.KindPeerBroken, "writing header terminator", err)
	}
	total += 2

	if err := bw.Flush(); err != nil {
		return total, wserr.Wrap(wserr.KindPeerBroken, "flushing head", err)
	}
	return total, nil
}

// writeAllRetrying loops write() on w, retrying on short writes, and
// fails with PeerBroken if any write returns zero before completion is
// reached.
func writeAllRetrying(w io.Writer, body []byte) (int64, error) {
	var written int64
	for written < int64(len(body)) {
		n, err := w.Write(body[written:])
		if n == 0 && err == nil {
			return written, wserr.New(wserr.KindPeerBroken, "write returned zero bytes before completion")
		}
		written += int64(n)
		if err != nil {
			return written, wserr.Wrap(wserr.KindPeerBroken, "writing body", err)
		}
	}
	return written, nil
}

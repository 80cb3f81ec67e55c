package cgi

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/taesko/preforkd/internal/httpframe"
)

// metaSeparator is the observed convention here: scripts separate
// headers from body with a bare LF LF, not CGI/1.1's CRLF CRLF. A
// stricter script using CRLF CRLF still parses: splitMeta also accepts
// crlfMetaSeparator and splits at whichever of the two comes first.
const (
	metaSeparator     = "\n\n"
	crlfMetaSeparator = "\r\n\r\n"
)

// splitMeta looks for the meta/body separator in buf, returning the raw
// meta block and remaining body bytes when found.
func splitMeta(buf []byte) (meta []byte, body []byte, found bool) {
	idx, sepLen := bytes.Index(buf, []byte(metaSeparator)), len(metaSeparator)
	if crlf := bytes.Index(buf, []byte(crlfMetaSeparator)); crlf != -1 && (idx == -1 || crlf < idx) {
		idx, sepLen = crlf, len(crlfMetaSeparator)
	}
	if idx == -1 {
		return nil, nil, false
	}
	return buf[:idx], buf[idx+sepLen:], true
}

// parseMeta parses a script's meta block ("name: value" pairs separated
// by LF) into HTTP response headers, applying a Status header if present
// to set the response status line; otherwise defaulting to 200 OK.
func parseMeta(meta []byte, httpVersion string) (*httpframe.Response, error) {
	headers := httpframe.NewHeader()
	statusCode := 200
	reason := "OK"

	lines := strings.Split(string(meta), "\n")
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if strings.EqualFold(name, "Status") {
			code, r := parseStatusValue(value)
			statusCode = code
			reason = r
			continue
		}
		headers.Add(name, value)
	}

	resp := httpframe.NewResponse(httpVersion, statusCode, nil)
	resp.Reason = reason
	resp.Headers = headers
	return resp, nil
}

// parseStatusValue parses a "Status: NNN reason" value into its code and
// reason phrase.
func parseStatusValue(value string) (int, string) {
	parts := strings.SplitN(value, " ", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return 200, "OK"
	}
	reason := "OK"
	if len(parts) == 2 {
		reason = parts[1]
	} else if r, ok := httpframe.StatusText[code]; ok {
		reason = r
	}
	return code, reason
}

// Package cgi executes CGI/1.1 scripts: it builds the fixed environment,
// feeds the request body to the script's stdin, and splits the script's
// stdout into response headers ("meta") and body.
package cgi

import (
	"fmt"
	"strconv"

	"github.com/taesko/preforkd/internal/httpframe"
)

// BuildEnv constructs the fixed CGI/1.1 environment mapping from a
// request: GATEWAY_INTERFACE, QUERY_STRING, REMOTE_ADDR,
// REQUEST_METHOD, SERVER_PORT, SERVER_PROTOCOL, and CONTENT_LENGTH when
// present. No other variables are added.
func BuildEnv(req *httpframe.Request, remoteAddr string, serverPort int, protocol string) []string {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"QUERY_STRING=" + req.QueryString,
		"REMOTE_ADDR=" + remoteAddr,
		"REQUEST_METHOD=" + req.Method,
		"SERVER_PORT=" + strconv.Itoa(serverPort),
		"SERVER_PROTOCOL=" + protocol,
	}
	if cl, ok := req.Headers.Get("Content-Length"); ok {
		env = append(env, fmt.Sprintf("CONTENT_LENGTH=%s", cl))
	}
	return env
}

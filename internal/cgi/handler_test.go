package cgi

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/taesko/preforkd/internal/httpframe"
	"github.com/taesko/preforkd/internal/wserr"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newGetRequest(t *testing.T) *httpframe.Request {
	t.Helper()
	req, err := httpframe.ParseRequest(strings.NewReader("GET /cgi-bin/x?a=1 HTTP/1.1\r\nHost: h\r\n\r\n"), httpframe.DefaultLimits)
	require.NoError(t, err)
	return req
}

func TestRunEchoesStatusHeaderAndBody(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nprintf 'Status: 201 Created\\nX-Foo: bar\\n\\nhello world'\n")
	req := newGetRequest(t)
	env := BuildEnv(req, "127.0.0.1", 8080, "HTTP/1.1")

	h := &Handler{MetaLimit: 4096}
	var out bytes.Buffer
	err := h.Run(context.Background(), script, req, env, &out)
	require.NoError(t, err)

	got := out.String()
	require.True(t, strings.HasPrefix(got, "HTTP/1.1 201 Created\r\n"))
	require.Contains(t, got, "X-Foo: bar\r\n")
	require.True(t, strings.HasSuffix(got, "\r\n\r\nhello world"))
}

func TestRunDefaultsTo200WhenNoStatusMeta(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nprintf 'Content-Type: text/plain\\n\\nbody text'\n")
	req := newGetRequest(t)
	env := BuildEnv(req, "127.0.0.1", 8080, "HTTP/1.1")

	h := &Handler{MetaLimit: 4096}
	var out bytes.Buffer
	err := h.Run(context.Background(), script, req, env, &out)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out.String(), "HTTP/1.1 200 OK\r\n"))
}

func TestRunMetaExceedingLimitIsProtocolError(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nprintf 'X-Pad: %0100d' 0\nsleep 1\n")
	req := newGetRequest(t)
	env := BuildEnv(req, "127.0.0.1", 8080, "HTTP/1.1")

	h := &Handler{MetaLimit: 16, KillGrace: 50 * time.Millisecond}
	var out bytes.Buffer
	err := h.Run(context.Background(), script, req, env, &out)
	require.Error(t, err)
	kind, ok := wserr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, wserr.KindCGIProtocolError, kind)
}

func TestRunClosedStdoutWithoutSeparatorIsProtocolError(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nprintf 'no-separator-here'\n")
	req := newGetRequest(t)
	env := BuildEnv(req, "127.0.0.1", 8080, "HTTP/1.1")

	h := &Handler{MetaLimit: 4096}
	var out bytes.Buffer
	err := h.Run(context.Background(), script, req, env, &out)
	require.Error(t, err)
	kind, ok := wserr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, wserr.KindCGIProtocolError, kind)
}

func TestRunCancellationKillsScript(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ntrap '' TERM\nsleep 5\n")
	req := newGetRequest(t)
	env := BuildEnv(req, "127.0.0.1", 8080, "HTTP/1.1")

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{MetaLimit: 4096, KillGrace: 50 * time.Millisecond}

	done := make(chan error, 1)
	var out bytes.Buffer
	go func() {
		done <- h.Run(ctx, script, req, env, &out)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation and SIGKILL grace period")
	}
}

package cgi

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taesko/preforkd/internal/httpframe"
	"github.com/taesko/preforkd/internal/wserr"
)

// Handler spawns CGI scripts and pumps request/response bytes between
// the client and the script.
type Handler struct {
	Log *logrus.Logger
	// MetaLimit is cgi_res_meta_limit: the max bytes of script output
	// buffered while searching for the meta/body separator before giving
	// up with CGIProtocolError.
	MetaLimit int
	// KillGrace is the delay between SIGTERM and SIGKILL when a request
	// is cancelled or pumping the script's output fails (for example when
	// the meta block never terminates).
	KillGrace time.Duration
}

// Run executes scriptPath with env, feeding it req's body on stdin and
// writing the HTTP response head plus the script's remaining stdout
// verbatim to client. Run blocks until the response has been fully
// written or ctx is cancelled.
func (h *Handler) Run(ctx context.Context, scriptPath string, req *httpframe.Request, env []string, client io.Writer) error {
	cmd := exec.Command(scriptPath)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return wserr.Wrap(wserr.KindCGISpawnFailed, "creating stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return wserr.Wrap(wserr.KindCGISpawnFailed, "creating stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return wserr.Wrap(wserr.KindCGISpawnFailed, "starting script "+scriptPath, err)
	}
	log := h.logger().WithField("script", scriptPath).WithField("pid", cmd.Process.Pid)
	log.Debug("cgi: spawned script")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go h.watchCancellation(ctx, cmd, done, log)

	go func() {
		if req.Body != nil {
			io.Copy(stdin, req.Body)
		}
		stdin.Close()
	}()

	runErr := h.pump(req.HTTPVersion, stdout, client, log)
	if runErr != nil {
		// Nobody reads the script's output any more: terminate it the
		// same way as a cancelled request.
		cancel()
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		log.WithError(waitErr).Debug("cgi: script exited non-zero")
	}

	return runErr
}

// watchCancellation sends SIGTERM then, after KillGrace, SIGKILL to the
// script if ctx is cancelled before the pump finishes naturally.
func (h *Handler) watchCancellation(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}, log *logrus.Entry) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	log.Debug("cgi: sending SIGTERM to script")
	cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(h.grace())
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
		log.Warn("cgi: grace period expired, sending SIGKILL")
		cmd.Process.Kill()
	}
}

// pump reads stdout, accumulating a meta buffer until the LF-LF separator
// (or \r\n\r\n) is found, writes the resulting HTTP
// response head to client, then forwards the remainder of stdout
// verbatim.
func (h *Handler) pump(httpVersion string, stdout io.Reader, client io.Writer, log *logrus.Entry) error {
	limit := h.metaLimit()
	var metaBuf bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		if meta, rest, found := splitMeta(metaBuf.Bytes()); found {
			resp, err := parseMeta(meta, httpVersion)
			if err != nil {
				return err
			}
			if _, err := resp.WriteHead(client); err != nil {
				return err
			}
			if len(rest) > 0 {
				if _, err := writeAll(client, rest); err != nil {
					return err
				}
			}
			_, err = io.Copy(client, stdout)
			if err != nil {
				return wserr.Wrap(wserr.KindPeerBroken, "forwarding cgi body", err)
			}
			return nil
		}

		if metaBuf.Len() > limit {
			log.Warn("cgi: meta block exceeded configured limit")
			return wserr.New(wserr.KindCGIProtocolError, "cgi response meta exceeded configured limit")
		}

		n, err := stdout.Read(chunk)
		if n > 0 {
			metaBuf.Write(chunk[:n])
		}
		if err == io.EOF {
			return wserr.New(wserr.KindCGIProtocolError, "cgi script closed stdout before sending a meta separator")
		}
		if err != nil {
			return wserr.Wrap(wserr.KindCGIProtocolError, "reading cgi stdout", err)
		}
	}
}

func writeAll(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, wserr.Wrap(wserr.KindPeerBroken, "writing cgi body", err)
		}
		if n == 0 {
			return total, wserr.New(wserr.KindPeerBroken, "write returned zero bytes before completion")
		}
	}
	return total, nil
}

func (h *Handler) logger() *logrus.Logger {
	if h.Log != nil {
		return h.Log
	}
	return logrus.StandardLogger()
}

func (h *Handler) metaLimit() int {
	if h.MetaLimit > 0 {
		return h.MetaLimit
	}
	return 64 * 1024
}

func (h *Handler) grace() time.Duration {
	if h.KillGrace > 0 {
		return h.KillGrace
	}
	return 5 * time.Second
}

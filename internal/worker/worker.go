// Package worker implements a pre-forked worker's serve loop: receive a
// client descriptor from the supervisor's control channel, frame one
// HTTP request, run the handler, write the response, close the
// connection. A worker never calls accept; all listening is centralized
// in the supervisor.
package worker

import (
	"context"
	"math/rand"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taesko/preforkd/internal/fdtransport"
	"github.com/taesko/preforkd/internal/httpframe"
	"github.com/taesko/preforkd/internal/wserr"
)

// Handler serves one framed request from an accepted connection,
// returning the response to write back (or nil if it already wrote the
// response itself, e.g. CGI streaming a head it can't buffer).
type Handler interface {
	Serve(ctx context.Context, conn net.Conn, peer fdtransport.PeerAddr, req *httpframe.Request) *httpframe.Response
}

// Loop owns one worker process's control channel and runs its
// receive-serve cycle until the channel breaks.
type Loop struct {
	Channel *fdtransport.ControlChannel
	Handler Handler
	Limits  httpframe.Limits
	Timeout time.Duration
	Log     *logrus.Logger
}

// Run blocks in the receive-fd/serve loop. It returns nil when the
// control channel reports TransportBroken (the supervisor closed its
// end, e.g. during shutdown or a deliberate refill) — the clean-exit
// path; any other error is unrecoverable and the caller should exit
// non-zero so the supervisor reaps and refills this worker.
func (l *Loop) Run() error {
	rand.Seed(time.Now().UnixNano() ^ int64(os.Getpid()))
	log := l.log()

	for {
		fds, payload, err := l.Channel.Receive()
		if err != nil {
			if kind, ok := wserr.KindOf(err); ok && kind == wserr.KindTransportBroken {
				log.Info("control channel closed, exiting")
				return nil
			}
			return err
		}

		if len(fds) != 1 {
			log.WithField("count", len(fds)).Warn("expected exactly one descriptor in dispatch message")
			for _, fd := range fds {
				syscall.Close(fd)
			}
			continue
		}

		peer, perr := fdtransport.DecodePeerAddr(payload)
		if perr != nil {
			log.WithError(perr).Warn("malformed peer address payload, dropping connection")
			syscall.Close(fds[0])
			continue
		}

		l.serveOne(fds[0], peer, log)
	}
}

func (l *Loop) serveOne(fd int, peer fdtransport.PeerAddr, log *logrus.Logger) {
	f := os.NewFile(uintptr(fd), "client")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		log.WithError(err).Warn("reconstructing client connection from descriptor")
		return
	}
	defer conn.Close()

	entry := log.WithField("peer", peer.Host)

	if l.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(l.Timeout))
	}

	req, err := httpframe.ParseRequest(conn, l.Limits)
	if err != nil {
		if !wserr.Silent(err) {
			resp := httpframe.ErrorResponse("HTTP/1.1", err)
			if _, werr := resp.WriteTo(conn); werr != nil {
				entry.WithError(werr).Debug("writing error response")
			}
		}
		return
	}
	entry = entry.WithField("method", req.Method).WithField("path", req.Path)

	ctx := context.Background()
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	resp := l.Handler.Serve(ctx, conn, peer, req)
	if resp == nil {
		return
	}
	if _, err := resp.WriteTo(conn); err != nil {
		entry.WithError(err).Debug("writing response")
	}
}

func (l *Loop) log() *logrus.Logger {
	if l.Log != nil {
		return l.Log
	}
	return logrus.StandardLogger()
}

// Package supervisor implements the pre-fork supervisor: bind, accept,
// round-robin distribution to a fixed-size worker pool, SIGCHLD-driven
// reap and refill, hang detection, and graceful shutdown.
package supervisor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/taesko/preforkd/internal/config"
	"github.com/taesko/preforkd/internal/fdtransport"
	"github.com/taesko/preforkd/internal/httpframe"
	"github.com/taesko/preforkd/internal/procutil"
	"github.com/taesko/preforkd/internal/wserr"
)

// workerState tracks one pool slot's process-level lifecycle, moving
// through Forking -> Active -> Terminating -> Reaped as the supervisor
// forks, dispatches to, and eventually retires each worker.
type workerState struct {
	pid           int
	createdAt     time.Time
	channel       *fdtransport.ControlChannel
	sigtermSentAt *time.Time
	terminating   bool
	reaped        bool
}

func (w *workerState) eligible() bool {
	return !w.terminating && !w.reaped
}

// Supervisor owns the listening socket and the worker pool.
type Supervisor struct {
	Config *config.Config
	Log    *logrus.Logger

	listener            *net.TCPListener
	pool                []*workerState
	acceptedConnections uint64
}

func (s *Supervisor) log() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// Run binds the listener, fills the worker pool, and runs the
// accept/dispatch/drain-reaped/refill loop until a shutdown signal
// arrives. It returns nil on a clean SIGTERM/SIGINT shutdown.
func (s *Supervisor) Run() error {
	ln, err := s.bind()
	if err != nil {
		return fmt.Errorf("supervisor: bind: %w", err)
	}
	s.listener = ln
	defer ln.Close()

	if err := s.fillPool(); err != nil {
		return fmt.Errorf("supervisor: initial pool fill: %w", err)
	}
	s.log().WithField("pool_size", len(s.pool)).Info("supervisor: worker pool ready")

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	type acceptResult struct {
		conn *net.TCPConn
		err  error
	}
	acceptCh := make(chan acceptResult)
	acceptDone := make(chan struct{})
	go func() {
		for {
			conn, err := ln.AcceptTCP()
			select {
			case acceptCh <- acceptResult{conn, err}:
			case <-acceptDone:
				return
			}
			if err != nil && (errors.Is(err, net.ErrClosed) || classifyAcceptFatal(err)) {
				return
			}
		}
	}()
	defer close(acceptDone)

	reaped := make(map[int]struct{})

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGCHLD:
				s.drainReap(reaped)
			case syscall.SIGTERM, syscall.SIGINT:
				s.log().WithField("signal", sig.String()).Info("supervisor: shutdown requested")
				return s.shutdown(reaped)
			}
		case res := <-acceptCh:
			if res.err != nil {
				if errors.Is(res.err, net.ErrClosed) {
					continue
				}
				if classifyAcceptFatal(res.err) {
					return wserr.Wrap(wserr.KindAcceptFatal, "accept", res.err)
				}
				s.log().WithError(res.err).Warn("supervisor: transient accept error")
				continue
			}
			s.dispatch(res.conn)
		}

		s.refill(reaped)
		s.killHanged()
	}
}

func (s *Supervisor) bind() (*net.TCPListener, error) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var addr4 [4]byte
	if ip := net.ParseIP(s.Config.Host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			copy(addr4[:], ip4)
		}
	}
	sa := &syscall.SockaddrInet4{Port: s.Config.Port, Addr: addr4}
	if err := syscall.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", s.Config.Addr(), err)
	}
	if err := syscall.Listen(fd, s.Config.TCPBacklogSize); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("listen backlog=%d: %w", s.Config.TCPBacklogSize, err)
	}

	f := os.NewFile(uintptr(fd), "preforkd-listener")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("net.FileListener: %w", err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("bound listener is not TCP")
	}
	return tl, nil
}

// dispatch computes the round-robin starting offset and scans the pool
// for the first eligible worker whose send succeeds. It closes the
// supervisor's copy of the descriptor unconditionally once distribution
// is decided.
func (s *Supervisor) dispatch(conn *net.TCPConn) {
	atomic.AddUint64(&s.acceptedConnections, 1)
	log := s.log()

	peer, err := fdtransport.PeerAddrFromNetAddr(conn.RemoteAddr())
	if err != nil {
		log.WithError(err).Warn("supervisor: decoding peer address")
		conn.Close()
		return
	}
	payload, err := fdtransport.EncodePeerAddr(peer)
	if err != nil {
		log.WithError(err).Warn("supervisor: encoding peer address")
		conn.Close()
		return
	}

	f, err := conn.File()
	if err != nil {
		log.WithError(err).Warn("supervisor: dup'ing accepted connection for handoff")
		conn.Close()
		return
	}
	fd := int(f.Fd())

	sent := s.sendToEligibleWorker(fd, payload)
	f.Close()

	if !sent {
		log.Warn("supervisor: no eligible worker accepted dispatch, replying 503")
		resp := httpframe.ErrorResponse("HTTP/1.1", wserr.ErrForkPoolExhausted)
		if _, werr := resp.WriteTo(conn); werr != nil {
			log.WithError(werr).Debug("supervisor: writing 503 to rejected client")
		}
	}
	conn.Close()
}

func (s *Supervisor) sendToEligibleWorker(fd int, payload []byte) bool {
	n := len(s.pool)
	if n == 0 {
		return false
	}
	start := int(atomic.LoadUint64(&s.acceptedConnections) % uint64(n))
	for i := 0; i < n; i++ {
		w := s.pool[(start+i)%n]
		if !w.eligible() {
			continue
		}
		if err := w.channel.Send([]int{fd}, payload); err == nil {
			return true
		} else {
			s.log().WithError(err).WithField("pid", w.pid).Warn("supervisor: send to worker failed")
			s.markTerminating(w)
		}
	}
	return false
}

func (s *Supervisor) markTerminating(w *workerState) {
	if w.terminating {
		return
	}
	w.terminating = true
	now := time.Now()
	w.sigtermSentAt = &now
	if err := syscall.Kill(w.pid, syscall.SIGTERM); err != nil {
		s.log().WithError(err).WithField("pid", w.pid).Warn("supervisor: sending SIGTERM")
	}
}

// drainReap loops waitpid(-1, WNOHANG) recording reaped pids.
func (s *Supervisor) drainReap(reaped map[int]struct{}) {
	var ws syscall.WaitStatus
	for {
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		reaped[pid] = struct{}{}
		s.log().WithField("pid", pid).Debug("supervisor: reaped worker")
	}
}

// refill snapshots reaped, removes those workers from the pool, and
// forks enough replacements to restore pool size. Snapshotting before
// forking prevents a new child from inheriting a pid about to be
// removed.
func (s *Supervisor) refill(reaped map[int]struct{}) {
	if len(reaped) > 0 {
		live := s.pool[:0]
		for _, w := range s.pool {
			if _, ok := reaped[w.pid]; ok {
				w.reaped = true
				w.channel.Close()
				delete(reaped, w.pid)
				continue
			}
			live = append(live, w)
		}
		s.pool = live
	}

	missing := s.Config.ProcessCountLimit - len(s.pool)
	for i := 0; i < missing; i++ {
		w, err := s.forkOne()
		if err != nil {
			s.log().WithError(err).Warn("supervisor: refill fork failed")
			continue
		}
		s.pool = append(s.pool, w)
	}
}

// killHanged sends SIGKILL to any Terminating worker whose grace period
// since SIGTERM has expired.
func (s *Supervisor) killHanged() {
	timeout := s.Config.ProcessSigtermTimeout
	for _, w := range s.pool {
		if w.reaped || !w.terminating || w.sigtermSentAt == nil {
			continue
		}
		if time.Since(*w.sigtermSentAt) > timeout {
			s.log().WithField("pid", w.pid).Warn("supervisor: sigterm grace expired, sending SIGKILL")
			syscall.Kill(w.pid, syscall.SIGKILL)
		}
	}
}

func (s *Supervisor) fillPool() error {
	var merr error
	for len(s.pool) < s.Config.ProcessCountLimit {
		w, err := s.forkOne()
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		s.pool = append(s.pool, w)
	}
	if len(s.pool) == 0 && merr != nil {
		return merr
	}
	return nil
}

func (s *Supervisor) forkOne() (*workerState, error) {
	sender, receiver, err := fdtransport.NewPair()
	if err != nil {
		return nil, wserr.Wrap(wserr.KindForkUnavailable, "creating control channel", err)
	}
	receiverFile, err := receiver.File()
	if err != nil {
		sender.Close()
		receiver.Close()
		return nil, wserr.Wrap(wserr.KindForkUnavailable, "dup'ing receiver end for handoff", err)
	}

	proc, err := procutil.SpawnWorker(receiverFile)
	receiver.Close()
	if err != nil {
		sender.Close()
		return nil, wserr.Wrap(wserr.KindForkUnavailable, "spawning worker", err)
	}

	return &workerState{pid: proc.Pid, createdAt: time.Now(), channel: sender}, nil
}

// shutdown closes the listening socket, sends SIGTERM to every eligible
// worker, waits up to process_sigterm_timeout for them to be reaped,
// then SIGKILLs survivors without blocking on waitpid — they may be
// reparented to init.
func (s *Supervisor) shutdown(reaped map[int]struct{}) error {
	log := s.log()
	s.listener.Close()

	var merr error
	for _, w := range s.pool {
		if w.reaped {
			continue
		}
		s.markTerminating(w)
	}

	deadline := time.Now().Add(s.Config.ProcessSigtermTimeout)
	for time.Now().Before(deadline) && !s.allReaped() {
		s.drainReap(reaped)
		for _, w := range s.pool {
			if _, ok := reaped[w.pid]; ok {
				w.reaped = true
				delete(reaped, w.pid)
			}
		}
		if s.allReaped() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, w := range s.pool {
		if !w.reaped {
			log.WithField("pid", w.pid).Warn("supervisor: sigterm grace expired at shutdown, sending SIGKILL")
			if err := syscall.Kill(w.pid, syscall.SIGKILL); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("sigkill pid %d: %w", w.pid, err))
			}
		}
		w.channel.Close()
	}

	log.Info("supervisor: shutdown complete")
	if merr != nil {
		return merr
	}
	return nil
}

func (s *Supervisor) allReaped() bool {
	for _, w := range s.pool {
		if !w.reaped {
			return false
		}
	}
	return true
}

// classifyAcceptFatal reports whether err is one of the programming-error
// errnos that should abort the supervisor (EBADF, EFAULT, EINVAL,
// ENOTSOCK, EOPNOTSUPP); anything else, including resource-exhaustion
// errnos like EMFILE/ENFILE/ENOBUFS/ENOMEM/EPERM/EPROTO/ECONNABORTED, is
// logged and the loop continues.
func classifyAcceptFatal(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EBADF, syscall.EFAULT, syscall.EINVAL, syscall.ENOTSOCK, syscall.EOPNOTSUPP:
		return true
	default:
		return false
	}
}

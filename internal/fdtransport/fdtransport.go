// Package fdtransport implements the fd-passing control channel: a
// pre-established Unix-domain stream socket pair used to move a small
// vector of open file descriptors, plus an opaque JSON payload, from one
// process to another via an SCM_RIGHTS ancillary message.
package fdtransport

import (
	"net"
	"os"
	"syscall"

	"github.com/taesko/preforkd/internal/wserr"
)

// MaxPayload bounds the opaque byte payload carried alongside descriptors
// to a small vector, well under the kernel's own datagram limits.
const MaxPayload = 4096

// maxFDs bounds how many descriptors a single message may carry. preforkd
// only ever sends one client socket per message, but the control buffer
// must be sized for a worst case.
const maxFDs = 4

// ControlChannel is one end of a pre-fork worker's control socket pair:
// the Supervisor holds the "sender" end, the worker holds the "receiver"
// end. Both ends support Send and Receive; which direction is actually
// used depends on which side of the pair you are.
type ControlChannel struct {
	conn *net.UnixConn
}

// NewPair creates a SOCK_STREAM Unix-domain socket pair suitable for
// fd-passing, wrapping each end in a ControlChannel. The caller is
// responsible for closing the ends it doesn't need after fork.
func NewPair() (sender, receiver *ControlChannel, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, wserr.Wrap(wserr.KindTransportBroken, "socketpair", err)
	}

	senderChan, err := fromFD(fds[0])
	if err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, nil, err
	}
	receiverChan, err := fromFD(fds[1])
	if err != nil {
		senderChan.Close()
		syscall.Close(fds[1])
		return nil, nil, err
	}
	return senderChan, receiverChan, nil
}

// FromFD wraps an already-open Unix-domain socket fd (e.g. one inherited
// across exec via os.NewFile/ExtraFiles) as a ControlChannel. It consumes
// fd: callers must not also close the raw fd afterward.
func FromFD(fd uintptr) (*ControlChannel, error) {
	return fromFD(int(fd))
}

func fromFD(fd int) (*ControlChannel, error) {
	f := os.NewFile(uintptr(fd), "control-channel")
	fc, err := net.FileConn(f)
	// net.FileConn dup()s internally; the original f must still be closed.
	closeErr := f.Close()
	if err != nil {
		return nil, wserr.Wrap(wserr.KindTransportBroken, "net.FileConn", err)
	}
	if closeErr != nil {
		fc.Close()
		return nil, wserr.Wrap(wserr.KindTransportBroken, "closing dup source", closeErr)
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		fc.Close()
		return nil, wserr.New(wserr.KindTransportBroken, "fd is not a unix socket")
	}
	return &ControlChannel{conn: uc}, nil
}

// Send transmits fds and an opaque payload as a single SCM_RIGHTS message.
// It fails with a TransportBroken error if the peer has closed, and is
// atomic: either the whole message lands or none of it does.
func (c *ControlChannel) Send(fds []int, payload []byte) error {
	if len(payload) > MaxPayload {
		return wserr.New(wserr.KindTransportBroken, "payload exceeds MaxPayload")
	}
	oob := syscall.UnixRights(fds...)
	n, oobn, err := c.conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		if isPeerClosed(err) {
			return wserr.Wrap(wserr.KindTransportBroken, "peer closed control channel", err)
		}
		return wserr.Wrap(wserr.KindTransportBroken, "WriteMsgUnix", err)
	}
	if n != len(payload) || oobn != len(oob) {
		return wserr.New(wserr.KindTransportBroken, "short write of fd-passing message")
	}
	return nil
}

// Receive blocks until a message is available, returning the descriptors
// and opaque payload it carried. A message that delivers a payload but
// not a well-formed SCM_RIGHTS block is discarded and reported as
// TransportTruncated; EOF is reported as TransportBroken.
func (c *ControlChannel) Receive() ([]int, []byte, error) {
	payload := make([]byte, MaxPayload)
	oob := make([]byte, syscall.CmsgSpace(maxFDs*4))

	n, oobn, flags, _, err := c.conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return nil, nil, wserr.Wrap(wserr.KindTransportBroken, "ReadMsgUnix", err)
	}
	if n == 0 && oobn == 0 {
		return nil, nil, wserr.New(wserr.KindTransportBroken, "peer closed control channel")
	}
	if flags&syscall.MSG_CTRUNC != 0 {
		return nil, nil, wserr.New(wserr.KindTransportTruncated, "ancillary data truncated by kernel")
	}

	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, nil, wserr.Wrap(wserr.KindTransportTruncated, "ParseSocketControlMessage", err)
	}

	var fds []int
	for _, msg := range msgs {
		parsed, err := syscall.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	if len(fds) == 0 {
		return nil, nil, wserr.New(wserr.KindTransportTruncated, "control message carried no descriptors")
	}

	return fds, payload[:n], nil
}

// Close idempotently closes the local end of the channel.
func (c *ControlChannel) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	if err != nil && !isAlreadyClosed(err) {
		return err
	}
	return nil
}

// File returns a dup'd *os.File for the channel's underlying socket,
// suitable for passing as an ExtraFile across exec when spawning a
// worker, mirroring net.TCPListener.File()'s dup semantics.
func (c *ControlChannel) File() (*os.File, error) {
	return c.conn.File()
}

func isPeerClosed(err error) bool {
	return isEPIPE(err) || isAlreadyClosed(err)
}

func isEPIPE(err error) bool {
	var errno syscall.Errno
	if se, ok := err.(*os.SyscallError); ok {
		if e, ok := se.Err.(syscall.Errno); ok {
			errno = e
		}
	}
	return errno == syscall.EPIPE
}

func isAlreadyClosed(err error) bool {
	return err == net.ErrClosed || (err != nil && err.Error() == "use of closed network connection")
}

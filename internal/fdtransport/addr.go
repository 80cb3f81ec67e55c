package fdtransport

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/taesko/preforkd/internal/wserr"
)

// PeerAddr is the JSON shape of the control-channel payload: a one-element
// array [addr] where addr is [host, port].
type PeerAddr struct {
	Host string
	Port int
}

// EncodePeerAddr serializes a PeerAddr as the UTF-8 JSON one-element array
// the protocol requires.
func EncodePeerAddr(addr PeerAddr) ([]byte, error) {
	wrapped := []interface{}{[]interface{}{addr.Host, addr.Port}}
	b, err := json.Marshal(wrapped)
	if err != nil {
		return nil, wserr.Wrap(wserr.KindTransportBroken, "encoding peer address", err)
	}
	return b, nil
}

// DecodePeerAddr parses the one-element [addr] array back into a PeerAddr.
func DecodePeerAddr(payload []byte) (PeerAddr, error) {
	var wrapped []json.RawMessage
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return PeerAddr{}, wserr.Wrap(wserr.KindTransportTruncated, "decoding peer address envelope", err)
	}
	if len(wrapped) != 1 {
		return PeerAddr{}, wserr.New(wserr.KindTransportTruncated, "peer address envelope must hold exactly one element")
	}
	var pair [2]interface{}
	if err := json.Unmarshal(wrapped[0], &pair); err != nil {
		return PeerAddr{}, wserr.Wrap(wserr.KindTransportTruncated, "decoding [host, port] pair", err)
	}
	host, ok := pair[0].(string)
	if !ok {
		return PeerAddr{}, wserr.New(wserr.KindTransportTruncated, "peer address host is not a string")
	}
	portFloat, ok := pair[1].(float64)
	if !ok {
		return PeerAddr{}, wserr.New(wserr.KindTransportTruncated, "peer address port is not a number")
	}
	return PeerAddr{Host: host, Port: int(portFloat)}, nil
}

// PeerAddrFromNetAddr builds a PeerAddr from a net.Addr such as the
// address net.Listener.Accept returns for a TCP connection.
func PeerAddrFromNetAddr(a net.Addr) (PeerAddr, error) {
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return PeerAddr{}, fmt.Errorf("fdtransport: splitting peer addr %q: %w", a.String(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("fdtransport: parsing peer port %q: %w", portStr, err)
	}
	return PeerAddr{Host: host, Port: port}, nil
}

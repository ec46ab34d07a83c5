package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"castlink/models"
)

const (
	// DefaultPort is the well-known discovery port.
	DefaultPort = 6790
	// DefaultInterval is the beacon period.
	DefaultInterval = 5000 * time.Millisecond
	// DefaultBroadcastAddress is the limited broadcast target for presence.
	DefaultBroadcastAddress = "255.255.255.255"
	// MaxDatagramSize is the receive buffer size; longer datagrams are truncated.
	MaxDatagramSize = 1024
	// EvictionFactor multiplies the beacon interval into the registry eviction threshold.
	EvictionFactor = 3

	metricsBodySize = 8
)

// Opcode identifies a discovery datagram. It is the first datagram byte.
type Opcode byte

const (
	OpPresence Opcode = 1
	OpRequest  Opcode = 2
	OpAccept   Opcode = 3
	OpStop     Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpPresence:
		return "presence"
	case OpRequest:
		return "request"
	case OpAccept:
		return "accept"
	case OpStop:
		return "stop"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

var (
	// ErrShortDatagram indicates a datagram without an opcode byte.
	ErrShortDatagram = errors.New("discovery: empty datagram")
	// ErrUnknownOpcode indicates the first byte is not a discovery opcode.
	ErrUnknownOpcode = errors.New("discovery: unknown opcode")
)

// Datagram is one decoded discovery message. Metrics is set for REQUEST and
// ACCEPT only.
type Datagram struct {
	Op      Opcode
	Metrics models.ScreenMetrics
}

// Presence returns the periodic announcement datagram.
func Presence() Datagram { return Datagram{Op: OpPresence} }

// Request returns a session request carrying the requester's screen size.
func Request(m models.ScreenMetrics) Datagram {
	return Datagram{Op: OpRequest, Metrics: models.ScreenMetrics{Width: m.Width, Height: m.Height}}
}

// Accept returns a session acceptance carrying the acceptor's screen size.
func Accept(m models.ScreenMetrics) Datagram {
	return Datagram{Op: OpAccept, Metrics: models.ScreenMetrics{Width: m.Width, Height: m.Height}}
}

// Stop returns the negotiation abort datagram.
func Stop() Datagram { return Datagram{Op: OpStop} }

// EncodeDatagram serializes d. REQUEST and ACCEPT carry width and height as
// big-endian int32 after the opcode.
func EncodeDatagram(d Datagram) []byte {
	switch d.Op {
	case OpRequest, OpAccept:
		out := make([]byte, 1+metricsBodySize)
		out[0] = byte(d.Op)
		binary.BigEndian.PutUint32(out[1:5], uint32(d.Metrics.Width))
		binary.BigEndian.PutUint32(out[5:9], uint32(d.Metrics.Height))
		return out
	default:
		return []byte{byte(d.Op)}
	}
}

// DecodeDatagram parses a discovery datagram. Bytes after the known body are
// ignored; a truncated REQUEST or ACCEPT body leaves missing fields at zero.
func DecodeDatagram(data []byte) (Datagram, error) {
	if len(data) == 0 {
		return Datagram{}, ErrShortDatagram
	}

	d := Datagram{Op: Opcode(data[0])}
	switch d.Op {
	case OpPresence, OpStop:
		return d, nil
	case OpRequest, OpAccept:
		body := data[1:]
		if len(body) >= 4 {
			d.Metrics.Width = int32(binary.BigEndian.Uint32(body[0:4]))
		}
		if len(body) >= 8 {
			d.Metrics.Height = int32(binary.BigEndian.Uint32(body[4:8]))
		}
		return d, nil
	default:
		return Datagram{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, data[0])
	}
}

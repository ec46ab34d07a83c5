package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"castlink/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (16 MB).
	MaxFrameSize = 16 * 1024 * 1024
	// DefaultPort is the well-known transport port.
	DefaultPort = 6791
	// DefaultAcceptTimeout bounds how long an acceptor waits for its peer.
	DefaultAcceptTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds TCP dial duration.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultPollInterval is the read loop tick at which the running flag is checked.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	frameHeaderSize = 4
	motionBodySize  = 12
)

// Opcode identifies a transport message. It is the first payload byte.
type Opcode byte

const (
	OpStop   Opcode = 1
	OpFrame  Opcode = 2
	OpMotion Opcode = 3
)

func (o Opcode) String() string {
	switch o {
	case OpStop:
		return "stop"
	case OpFrame:
		return "frame"
	case OpMotion:
		return "motion"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrEmptyMessage indicates a frame without an opcode byte.
	ErrEmptyMessage = errors.New("network: empty message")
	// ErrUnknownOpcode indicates the opcode byte is not a transport opcode.
	ErrUnknownOpcode = errors.New("network: unknown opcode")
	// ErrShortMotion indicates a MOTION body shorter than three integers.
	ErrShortMotion = errors.New("network: short motion body")
)

// Message is one decoded transport payload.
type Message struct {
	Op     Opcode
	Frame  []byte
	Motion models.Motion
}

// EncodeStop builds a STOP payload.
func EncodeStop() []byte {
	return []byte{byte(OpStop)}
}

// EncodeFrame builds a FRAME payload; data is copied untouched after the opcode.
func EncodeFrame(data []byte) []byte {
	payload := make([]byte, 1+len(data))
	payload[0] = byte(OpFrame)
	copy(payload[1:], data)
	return payload
}

// EncodeMotion builds a MOTION payload.
func EncodeMotion(m models.Motion) []byte {
	payload := make([]byte, 1+motionBodySize)
	payload[0] = byte(OpMotion)
	binary.BigEndian.PutUint32(payload[1:5], uint32(m.Action))
	binary.BigEndian.PutUint32(payload[5:9], uint32(m.X))
	binary.BigEndian.PutUint32(payload[9:13], uint32(m.Y))
	return payload
}

// DecodeMessage splits a payload into its opcode and body.
func DecodeMessage(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, ErrEmptyMessage
	}

	op := Opcode(payload[0])
	switch op {
	case OpStop:
		return Message{Op: op}, nil
	case OpFrame:
		frame := make([]byte, len(payload)-1)
		copy(frame, payload[1:])
		return Message{Op: op, Frame: frame}, nil
	case OpMotion:
		body := payload[1:]
		if len(body) < motionBodySize {
			return Message{}, ErrShortMotion
		}
		return Message{Op: op, Motion: models.Motion{
			Action: int32(binary.BigEndian.Uint32(body[0:4])),
			X:      int32(binary.BigEndian.Uint32(body[4:8])),
			Y:      int32(binary.BigEndian.Uint32(body[8:12])),
		}}, nil
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, payload[0])
	}
}

// AppendFrame appends one length-prefixed frame to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes one length-prefixed frame in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := AppendFrame(make([]byte, 0, frameHeaderSize+len(payload)), payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

package session

import (
	"net"
	"strconv"

	"castlink/network"
)

// Endpoint is the manager's view of one transport endpoint.
type Endpoint interface {
	SendFrame(data []byte) error
	SendMotion(action, x, y int32) error
	Disconnect() error
	Close() error
	Wait()
	Stats() network.Stats
	Reason() network.DisconnectReason
	LastError() error
}

// Transport opens endpoints. Events of an endpoint are delivered to the
// observers passed when it is opened.
type Transport interface {
	Listen(observers *network.Observers) (Endpoint, error)
	Dial(peer string, observers *network.Observers) Endpoint
}

// TCPTransport opens framed TCP endpoints on a fixed port.
type TCPTransport struct {
	// BindAddress is the local IP for the acceptor and the connector
	// source address. Empty binds all interfaces.
	BindAddress string
	Port        int
	Options     network.Options
}

// Listen starts an acceptor on the transport port.
func (t TCPTransport) Listen(observers *network.Observers) (Endpoint, error) {
	opts := t.Options
	opts.Address = net.JoinHostPort(t.BindAddress, strconv.Itoa(t.port()))
	pc, err := network.Listen(opts, observers)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// Dial starts a connector to peer's transport port.
func (t TCPTransport) Dial(peer string, observers *network.Observers) Endpoint {
	opts := t.Options
	opts.LocalAddress = t.BindAddress
	return network.Dial(net.JoinHostPort(peer, strconv.Itoa(t.port())), opts, observers)
}

func (t TCPTransport) port() int {
	if t.Port <= 0 {
		return network.DefaultPort
	}
	return t.Port
}

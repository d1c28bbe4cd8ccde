// Package udp sends GDL90 frames to a unicast or broadcast UDP destination.
package udp

import (
	"fmt"
	"net"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

type Broadcaster struct {
	dest string
	conn udpConn
}

// NewBroadcaster connects a UDP socket to dest. SO_BROADCAST is set so that
// subnet broadcast addresses such as 192.168.10.255:4000 work.
func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, dialBroadcast)
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func dialBroadcast(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
	d := net.Dialer{Control: setBroadcast}
	if laddr != nil {
		d.LocalAddr = laddr
	}
	return d.Dial(network, raddr.String())
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// SendAll writes each frame as its own datagram and stops at the first error.
// It returns how many frames were written.
func (b *Broadcaster) SendAll(frames [][]byte) (int, error) {
	n := 0
	for _, f := range frames {
		if len(f) == 0 {
			continue
		}
		if err := b.Send(f); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Package castnet owns the shared connectionless broadcast primitive: one
// multicast UDP socket that Discovery and Presence read from and write to
// concurrently. Inbound datagrams are decoded once and fanned out to the
// handlers registered for their tag, so neither service sees the other's
// traffic.
package castnet

import (
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/lanmesh/internal/util"
	"github.com/1ureka/lanmesh/internal/wire"
)

// maxDatagramSize bounds a single broadcast message. Announcements and
// invitations are small JSON objects; anything near this limit is garbage.
const maxDatagramSize = 8 * 1024

// Handler receives a decoded datagram variant (*wire.Announce,
// *wire.Presence, or *wire.Invitation) and the sender's address.
type Handler func(v any, src *net.UDPAddr)

// Socket is the shared multicast group membership. It is safe for
// concurrent Send calls; handlers run sequentially on the read loop
// goroutine, so a handler never races another handler.
type Socket struct {
	group *net.UDPAddr
	recv  *net.UDPConn
	send  *net.UDPConn

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Open joins the multicast group and starts the read loop.
func Open(group string, port int) (*Socket, error) {
	gaddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	if gaddr.IP == nil {
		return nil, fmt.Errorf("castnet: invalid multicast group %q", group)
	}

	recv, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("castnet: failed to join group: %w", err)
	}
	_ = recv.SetReadBuffer(maxDatagramSize)

	send, err := net.DialUDP("udp4", nil, gaddr)
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("castnet: failed to open send socket: %w", err)
	}

	s := &Socket{
		group:    gaddr,
		recv:     recv,
		send:     send,
		handlers: make(map[string][]Handler),
		closeCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// Subscribe registers a handler for one datagram tag. All registration
// happens during service startup, before traffic matters, but the lock
// keeps late subscribers safe anyway.
func (s *Socket) Subscribe(tag string, h Handler) {
	s.mu.Lock()
	s.handlers[tag] = append(s.handlers[tag], h)
	s.mu.Unlock()
}

// Send encodes a datagram variant and writes it to the group. A send
// failure is transient by the error taxonomy: the caller logs and retries
// on its next tick.
func (s *Socket) Send(v any) error {
	data, err := wire.EncodeDatagram(v)
	if err != nil {
		return err
	}
	if _, err := s.send.Write(data); err != nil {
		return fmt.Errorf("castnet: send failed: %w", err)
	}
	return nil
}

// LocalIP returns the IPv4 address the send socket bound to, which is the
// address other instances can reach this one at.
func (s *Socket) LocalIP() string {
	if addr, ok := s.send.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return firstNonLoopbackIPv4()
}

// Close leaves the group and stops the read loop. Safe to call twice.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	err := s.recv.Close()
	s.send.Close()
	s.wg.Wait()
	return err
}

// readLoop receives datagrams, decodes them at the boundary, and dispatches
// by tag. Malformed datagrams are dropped silently (debug log only).
func (s *Socket) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.recv.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeCh:
			default:
				util.LogWarning("broadcast read error: %v", err)
			}
			return
		}

		v, err := wire.DecodeDatagram(buf[:n])
		if err != nil {
			util.LogDebug("dropping datagram from %s: %v", src, err)
			continue
		}

		s.dispatch(v, src)
	}
}

func (s *Socket) dispatch(v any, src *net.UDPAddr) {
	var tag string
	switch v.(type) {
	case *wire.Announce:
		tag = wire.TagAnnounce
	case *wire.Presence:
		tag = wire.TagPresence
	case *wire.Invitation:
		tag = wire.TagInvitation
	default:
		return
	}

	s.mu.RLock()
	handlers := s.handlers[tag]
	s.mu.RUnlock()

	for _, h := range handlers {
		h(v, src)
	}
}

// firstNonLoopbackIPv4 walks the up interfaces for a usable LAN address.
func firstNonLoopbackIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

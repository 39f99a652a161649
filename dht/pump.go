package dht

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

// Socket pump sizing
const (
	maxSendSize    = 1400 // MTU-sized ceiling for outbound datagrams
	recvBufferSize = 65535
	readDeadline   = 1 * time.Second
)

// errDatagramTooLarge reports an outbound frame above the MTU ceiling
var errDatagramTooLarge = errors.New("datagram exceeds maximum send size")

// socketPump owns the UDP socket: a single receive loop hands raw
// datagrams to a handler, and sends go out immediately on any
// goroutine. The pump does not parse or route.
type socketPump struct {
	conn     *net.UDPConn
	log      *logrus.Entry
	scope    tally.Scope
	shutdown chan struct{}
}

func newSocketPump(conn *net.UDPConn, log *logrus.Entry, scope tally.Scope) *socketPump {
	return &socketPump{
		conn:     conn,
		log:      log,
		scope:    scope,
		shutdown: make(chan struct{}),
	}
}

// run reads datagrams until the pump closes, handing each to the
// handler. Reads use a short deadline so shutdown is bounded.
func (p *socketPump) run(handler func(data []byte, addr *net.UDPAddr)) {
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-p.shutdown:
			return
		default:
		}

		p.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-p.shutdown:
				return
			default:
				p.log.WithError(err).Warn("socket read error")
				p.scope.Counter("socket_read_errors").Inc(1)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handler(data, addr)
	}
}

// send emits one datagram. Failures are reported to the caller and
// never retried at this layer.
func (p *socketPump) send(data []byte, addr *net.UDPAddr) error {
	if len(data) > maxSendSize {
		return errDatagramTooLarge
	}
	_, err := p.conn.WriteToUDP(data, addr)
	if err != nil {
		p.scope.Counter("socket_send_errors").Inc(1)
		return err
	}
	p.scope.Counter("frames_sent").Inc(1)
	return nil
}

// close stops the receive loop and releases the socket
func (p *socketPump) close() {
	close(p.shutdown)
	p.conn.Close()
}

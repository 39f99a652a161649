package dht

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matei-oltean/go-dht/krpc"
	"github.com/matei-oltean/go-dht/routing"
)

// Bootstrap errors
var (
	ErrBootstrapFailed = errors.New("all bootstrap attempts failed")
	ErrCancelled       = errors.New("cancelled")
)

// BootstrapResult summarizes a bootstrap run
type BootstrapResult struct {
	Attempted int
	Succeeded int
	TableSize int
}

// Bootstrap joins the overlay: each configured bootstrap host is
// resolved (with a DNS timeout and static fallbacks) and pinged, then
// a lookup toward the own ID populates the nearby buckets.
// Cancellation is observed at attempt boundaries; queries already in
// flight simply time out.
func (n *Node) Bootstrap(ctx context.Context) (*BootstrapResult, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.BootstrapTimeout)
	defer cancel()

	result := &BootstrapResult{}
	n.log.WithField("hosts", len(n.cfg.BootstrapNodes)).Info("bootstrapping")

	for _, hostport := range n.cfg.BootstrapNodes {
		if ctx.Err() != nil {
			return result, errors.Wrap(ErrCancelled, "bootstrap")
		}

		endpoints := n.resolveBootstrapHost(ctx, hostport)
		if len(endpoints) == 0 {
			n.log.WithField("host", hostport).Warn("bootstrap host did not resolve")
			continue
		}

		for _, addr := range endpoints {
			if ctx.Err() != nil {
				return result, errors.Wrap(ErrCancelled, "bootstrap")
			}
			result.Attempted++
			if err := n.pingSync(ctx, addr); err != nil {
				n.log.WithError(err).WithField("addr", addr.String()).Debug("bootstrap ping failed")
				continue
			}
			result.Succeeded++
		}
	}

	if result.Succeeded == 0 {
		return result, ErrBootstrapFailed
	}

	// Populate the buckets around our own ID
	if _, err := n.LookupNodes(ctx, n.ID); err != nil && !errors.Is(err, ErrTableEmpty) {
		n.log.WithError(err).Debug("bootstrap self-lookup did not finish")
	}

	result.TableSize = n.table.Size()
	n.log.WithFields(logrus.Fields{
		"succeeded": result.Succeeded,
		"attempted": result.Attempted,
		"nodes":     result.TableSize,
	}).Info("bootstrap finished")
	return result, nil
}

// resolveBootstrapHost turns "host:port" into endpoints: literal IPs
// pass through, hostnames resolve with a bounded DNS lookup, and on
// failure the static fallback table applies
func (n *Node) resolveBootstrapHost(ctx context.Context, hostport string) []*net.UDPAddr {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		portStr = strconv.Itoa(DefaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return []*net.UDPAddr{{IP: ip, Port: port}}
	}

	dnsCtx, cancel := context.WithTimeout(ctx, n.cfg.DNSTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(dnsCtx, host)
	if err == nil && len(ips) > 0 {
		var endpoints []*net.UDPAddr
		for _, ip := range ips {
			if ip.IP.To4() == nil {
				continue
			}
			endpoints = append(endpoints, &net.UDPAddr{IP: ip.IP, Port: port})
		}
		if len(endpoints) > 0 {
			return endpoints
		}
	}

	var fallback []*net.UDPAddr
	for _, raw := range n.cfg.BootstrapFallbackIPs[host] {
		if ip := net.ParseIP(raw); ip != nil {
			fallback = append(fallback, &net.UDPAddr{IP: ip, Port: port})
		}
	}
	return fallback
}

// pingSync pings one endpoint and waits for the pong, the transaction
// timeout, or cancellation
func (n *Node) pingSync(ctx context.Context, addr *net.UDPAddr) error {
	type outcome struct {
		id  routing.NodeID
		err error
	}
	ch := make(chan outcome, 1)

	err := n.sendQuery(krpc.MethodPing, addr,
		func(txID string) ([]byte, error) { return krpc.EncodePing(txID, n.ID) },
		func(msg *krpc.Message, src *net.UDPAddr) {
			id, err := msg.NodeID()
			ch <- outcome{id, err}
		},
		func(msg *krpc.Message, _ *net.UDPAddr) {
			ch <- outcome{err: errors.Errorf("remote error %d: %s", msg.Error.Code, msg.Error.Message)}
		},
		func() {
			ch <- outcome{err: errors.New("ping timeout")}
		})
	if err != nil {
		return err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return out.err
		}
		n.observeNode(&routing.Node{ID: out.id, Addr: addr})
		return nil
	case <-ctx.Done():
		return errors.Wrap(ErrCancelled, "ping")
	}
}

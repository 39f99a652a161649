package dht

import (
	"net"

	"github.com/matei-oltean/go-dht/krpc"
	"github.com/matei-oltean/go-dht/routing"
)

// handleFrame decodes one inbound datagram and routes it: queries to
// their handlers, responses and errors to the transaction manager.
// Any node ID the frame advertises refreshes the routing table first.
func (n *Node) handleFrame(data []byte, addr *net.UDPAddr) {
	n.scope.Counter("frames_received").Inc(1)

	msg, err := krpc.DecodeMessage(data)
	if err != nil {
		n.scope.Counter("decode_errors").Inc(1)
		n.log.WithError(err).WithField("from", addr.String()).Debug("dropping undecodable frame")
		return
	}

	if senderID, err := msg.NodeID(); err == nil {
		n.observeNode(&routing.Node{ID: senderID, Addr: addr})
	}

	switch msg.Type {
	case krpc.QueryType:
		if !n.limiter.Allow() {
			n.scope.Counter("queries_throttled").Inc(1)
			return
		}
		n.handleQuery(msg, addr)
	case krpc.ResponseType:
		// The reply shape depends on the method of the originating
		// query; an unknown transaction ID means an unsolicited reply
		if _, ok := n.txs.PeekMethod(msg.TransactionID); !ok {
			n.scope.Counter("unsolicited_responses").Inc(1)
			return
		}
		n.txs.HandleResponse(msg, addr)
	case krpc.ErrorType:
		if !n.txs.HandleError(msg, addr) {
			n.scope.Counter("unsolicited_errors").Inc(1)
		}
	}
}

// observeNode inserts or refreshes a remote node in the routing table.
// When a full bucket offers an eviction candidate instead, the
// candidate is pinged: if it answers it stays, otherwise the new node
// takes its slot.
func (n *Node) observeNode(node *routing.Node) {
	added, evict := n.table.Add(node)
	if added || evict == nil {
		return
	}

	n.verifyMu.Lock()
	if n.verifying[evict.ID] {
		n.verifyMu.Unlock()
		return
	}
	n.verifying[evict.ID] = true
	n.verifyMu.Unlock()

	evictID := evict.ID
	release := func() {
		n.verifyMu.Lock()
		delete(n.verifying, evictID)
		n.verifyMu.Unlock()
	}

	err := n.sendQuery(krpc.MethodPing, evict.Addr,
		func(txID string) ([]byte, error) { return krpc.EncodePing(txID, n.ID) },
		func(*krpc.Message, *net.UDPAddr) {
			release()
			n.table.MarkAlive(evictID)
		},
		func(*krpc.Message, *net.UDPAddr) {
			// An error reply still proves the node is reachable
			release()
			n.table.MarkAlive(evictID)
		},
		func() {
			release()
			n.table.Replace(evictID, node)
		})
	if err != nil {
		release()
	}
}

// sendQuery mints a transaction, stamps the query with its ID and
// puts it on the wire. A query that cannot be encoded or sent leaves
// no transaction behind.
func (n *Node) sendQuery(method string, dest *net.UDPAddr, encode func(txID string) ([]byte, error), onResponse, onError func(*krpc.Message, *net.UDPAddr), onTimeout func()) error {
	txID, err := n.txs.Create(method, dest, onResponse, onError, onTimeout)
	if err != nil {
		return err
	}
	data, err := encode(txID)
	if err != nil {
		n.txs.Abort(txID)
		return err
	}
	if err := n.send(data, dest); err != nil {
		n.txs.Abort(txID)
		return err
	}
	return nil
}

package dht

import (
	"net"

	"github.com/matei-oltean/go-dht/krpc"
	"github.com/matei-oltean/go-dht/routing"
)

// handleQuery answers one remote query. Every reply carries the
// transaction ID of the incoming query.
func (n *Node) handleQuery(msg *krpc.Message, addr *net.UDPAddr) {
	n.scope.Tagged(map[string]string{"method": msg.Query}).Counter("queries_handled").Inc(1)

	var reply []byte
	var err error
	switch msg.Query {
	case krpc.MethodPing:
		reply, err = krpc.EncodePingResponse(msg.TransactionID, n.ID)

	case krpc.MethodFindNode:
		reply, err = n.handleFindNode(msg)

	case krpc.MethodGetPeers:
		reply, err = n.handleGetPeers(msg, addr)

	case krpc.MethodAnnounce:
		reply, err = n.handleAnnouncePeer(msg, addr)

	default:
		reply, err = krpc.EncodeError(msg.TransactionID, krpc.ErrorMethodUnknown, "unknown method")
	}

	if err != nil {
		n.log.WithError(err).WithField("method", msg.Query).Warn("building reply failed")
		return
	}
	if err := n.send(reply, addr); err != nil {
		n.log.WithError(err).WithField("to", addr.String()).Debug("sending reply failed")
	}
}

func (n *Node) handleFindNode(msg *krpc.Message) ([]byte, error) {
	target, err := routing.ParseNodeID([]byte(msg.Args.Target))
	if err != nil {
		return krpc.EncodeError(msg.TransactionID, krpc.ErrorProtocol, "invalid target")
	}
	nodes := compactNodes(n.closestForReply(target, msg.Args.ID))
	return krpc.EncodeFindNodeResponse(msg.TransactionID, n.ID, nodes)
}

// closestForReply selects the nodes a reply should carry. The sender
// was just inserted by the dispatcher; telling it about itself is
// useless, so it is filtered back out.
func (n *Node) closestForReply(target routing.NodeID, senderID string) []*routing.Node {
	closest := n.table.Closest(target, n.cfg.K+1)
	filtered := closest[:0]
	for _, node := range closest {
		if string(node.ID[:]) == senderID {
			continue
		}
		filtered = append(filtered, node)
	}
	if len(filtered) > n.cfg.K {
		filtered = filtered[:n.cfg.K]
	}
	return filtered
}

func (n *Node) handleGetPeers(msg *krpc.Message, addr *net.UDPAddr) ([]byte, error) {
	infoHash, err := routing.ParseNodeID([]byte(msg.Args.InfoHash))
	if err != nil {
		return krpc.EncodeError(msg.TransactionID, krpc.ErrorProtocol, "invalid info_hash")
	}

	token := n.tokens.Issue(addr)

	if peers := n.peers.Lookup(infoHash); len(peers) > 0 {
		var values [][]byte
		for _, p := range peers {
			compact, err := routing.CompactPeer(p)
			if err != nil {
				continue
			}
			values = append(values, compact)
		}
		if len(values) > 0 {
			return krpc.EncodeGetPeersResponsePeers(msg.TransactionID, n.ID, token, values)
		}
	}

	nodes := compactNodes(n.closestForReply(infoHash, msg.Args.ID))
	return krpc.EncodeGetPeersResponseNodes(msg.TransactionID, n.ID, token, nodes)
}

func (n *Node) handleAnnouncePeer(msg *krpc.Message, addr *net.UDPAddr) ([]byte, error) {
	infoHash, err := routing.ParseNodeID([]byte(msg.Args.InfoHash))
	if err != nil {
		return krpc.EncodeError(msg.TransactionID, krpc.ErrorProtocol, "invalid info_hash")
	}

	if !n.tokens.Validate(msg.Args.Token, addr) {
		n.scope.Counter("invalid_tokens").Inc(1)
		n.log.WithField("from", addr.String()).Debug("announce_peer with invalid token")
		return krpc.EncodeError(msg.TransactionID, krpc.ErrorProtocol, "Invalid token")
	}

	// With implied_port the announcer's source port wins over the
	// declared one (the NAT-rewritten port is the reachable one)
	port := int(msg.Args.Port)
	if msg.Args.ImpliedPort != 0 {
		port = addr.Port
	}
	if port <= 0 || port > 65535 {
		return krpc.EncodeError(msg.TransactionID, krpc.ErrorProtocol, "invalid port")
	}

	n.peers.Store(infoHash, &net.UDPAddr{IP: addr.IP, Port: port})
	n.scope.Counter("peers_stored").Inc(1)

	return krpc.EncodePingResponse(msg.TransactionID, n.ID)
}

// compactNodes concatenates the compact records of the nodes that
// have IPv4 endpoints
func compactNodes(nodes []*routing.Node) []byte {
	var buf []byte
	for _, node := range nodes {
		compact, err := node.Compact()
		if err != nil {
			continue
		}
		buf = append(buf, compact...)
	}
	return buf
}

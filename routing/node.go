// Package routing implements the Kademlia identifier space and the
// k-bucket routing table of a Mainline DHT node (BEP 5).
package routing

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// NodeID is a 160-bit identifier for a DHT node.
// Info hashes live in the same space and use the same distance metric.
type NodeID [20]byte

// Quality describes how much a node record can be trusted.
type Quality int

const (
	Good Quality = iota
	Questionable
	Bad
)

// MaxFailedQueries is the number of unanswered queries after which a
// node is considered bad and may be evicted without a liveness check.
const MaxFailedQueries = 2

// questionableAfter is how long a node may go unseen before it is no
// longer considered good.
const questionableAfter = 15 * time.Minute

// Node is a routing table entry: a remote DHT node and what we know
// about its responsiveness.
type Node struct {
	ID            NodeID
	Addr          *net.UDPAddr
	LastSeen      time.Time
	FailedQueries int
}

// GenerateNodeID creates a random 160-bit node ID
func GenerateNodeID() (NodeID, error) {
	var id NodeID
	_, err := rand.Read(id[:])
	return id, err
}

// ParseNodeID converts a 20-byte string into a NodeID
func ParseNodeID(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != 20 {
		return id, errors.Errorf("node ID must be 20 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Distance returns the XOR distance between two node IDs
func Distance(a, b NodeID) NodeID {
	var dist NodeID
	for i := range a {
		dist[i] = a[i] ^ b[i]
	}
	return dist
}

// CompareDistance returns -1 if a is closer to target than b,
// 1 if b is closer, 0 if equidistant
func CompareDistance(a, b, target NodeID) int {
	for i := range a {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// LeadingZeros returns the number of leading zero bits in the ID,
// which is the bucket index of a distance value
func (id NodeID) LeadingZeros() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if b&(1<<j) != 0 {
				return i*8 + (7 - j)
			}
		}
	}
	return 160
}

// IsZero reports whether the ID is all zero bytes
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// String returns the hex form of the ID
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Quality classifies the node from its last activity and failure count
func (n *Node) Quality(now time.Time) Quality {
	if n.FailedQueries >= MaxFailedQueries {
		return Bad
	}
	if now.Sub(n.LastSeen) > questionableAfter {
		return Questionable
	}
	return Good
}

// String returns a human-readable representation of the node
func (n *Node) String() string {
	return fmt.Sprintf("%x@%s", n.ID[:8], n.Addr)
}

// CompactNodeSize is the wire size of one compact node record:
// 20-byte ID, 4-byte IPv4, 2-byte big-endian port.
const CompactNodeSize = 26

// CompactPeerSize is the wire size of one compact peer record:
// 4-byte IPv4, 2-byte big-endian port.
const CompactPeerSize = 6

// Compact encodes the node as a 26-byte compact record.
// Nodes without an IPv4 address cannot be put on the wire.
func (n *Node) Compact() ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf("not an IPv4 address: %s", n.Addr.IP)
	}
	buf := make([]byte, CompactNodeSize)
	copy(buf[:20], n.ID[:])
	copy(buf[20:24], ip4)
	binary.BigEndian.PutUint16(buf[24:26], uint16(n.Addr.Port))
	return buf, nil
}

// ParseCompactNode decodes a single 26-byte compact node record
func ParseCompactNode(data []byte) (*Node, error) {
	if len(data) != CompactNodeSize {
		return nil, errors.Errorf("compact node record must be %d bytes, got %d", CompactNodeSize, len(data))
	}
	var id NodeID
	copy(id[:], data[:20])
	ip := make(net.IP, 4)
	copy(ip, data[20:24])
	port := binary.BigEndian.Uint16(data[24:26])
	return &Node{
		ID:   id,
		Addr: &net.UDPAddr{IP: ip, Port: int(port)},
	}, nil
}

// ParseCompactNodes parses a concatenated list of compact node records
func ParseCompactNodes(data []byte) ([]*Node, error) {
	if len(data)%CompactNodeSize != 0 {
		return nil, errors.Errorf("compact nodes length %d not divisible by %d", len(data), CompactNodeSize)
	}
	nodes := make([]*Node, len(data)/CompactNodeSize)
	for i := range nodes {
		var err error
		nodes[i], err = ParseCompactNode(data[i*CompactNodeSize : (i+1)*CompactNodeSize])
		if err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// CompactPeer encodes an endpoint as a 6-byte compact peer record
func CompactPeer(addr *net.UDPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf("not an IPv4 address: %s", addr.IP)
	}
	buf := make([]byte, CompactPeerSize)
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], uint16(addr.Port))
	return buf, nil
}

// ParseCompactPeer decodes a single 6-byte compact peer record
func ParseCompactPeer(data []byte) (*net.UDPAddr, error) {
	if len(data) != CompactPeerSize {
		return nil, errors.Errorf("compact peer record must be %d bytes, got %d", CompactPeerSize, len(data))
	}
	ip := make(net.IP, 4)
	copy(ip, data[:4])
	port := binary.BigEndian.Uint16(data[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// ParseCompactPeers parses a list of compact peer strings as found in
// the values key of a get_peers response
func ParseCompactPeers(values []string) []*net.UDPAddr {
	var peers []*net.UDPAddr
	for _, v := range values {
		addr, err := ParseCompactPeer([]byte(v))
		if err != nil {
			continue
		}
		peers = append(peers, addr)
	}
	return peers
}

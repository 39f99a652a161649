package routing

import (
	"bytes"
	"net"
	"testing"
)

func TestGenerateNodeID(t *testing.T) {
	id1, err := GenerateNodeID()
	if err != nil {
		t.Fatalf("GenerateNodeID failed: %v", err)
	}
	id2, err := GenerateNodeID()
	if err != nil {
		t.Fatalf("GenerateNodeID failed: %v", err)
	}
	if id1 == id2 {
		t.Error("Generated IDs should be different")
	}
}

func TestDistanceLaws(t *testing.T) {
	var a, b, c NodeID
	a[0], a[10] = 0xFF, 0x33
	b[0], b[5] = 0x0F, 0xA0
	c[19] = 0x7C

	if Distance(a, a) != (NodeID{}) {
		t.Error("Distance to self should be zero")
	}
	if Distance(a, b) != Distance(b, a) {
		t.Error("Distance should be symmetric")
	}
	// d(a,b) xor d(b,c) = d(a,c)
	if Distance(Distance(a, b), Distance(b, c)) != Distance(a, c) {
		t.Error("XOR distances should compose")
	}
}

func TestCompareDistance(t *testing.T) {
	var target, near, far NodeID
	near[0] = 0x01
	far[0] = 0x80

	if CompareDistance(near, far, target) >= 0 {
		t.Error("near should compare closer than far")
	}
	if CompareDistance(far, near, target) <= 0 {
		t.Error("far should compare farther than near")
	}
	if CompareDistance(near, near, target) != 0 {
		t.Error("a node should be equidistant with itself")
	}
}

func TestLeadingZeros(t *testing.T) {
	tests := []struct {
		id       NodeID
		expected int
	}{
		{NodeID{0xFF}, 0},
		{NodeID{0x7F}, 1},
		{NodeID{0x01}, 7},
		{NodeID{0x00, 0xFF}, 8},
		{NodeID{0x00, 0x01}, 15},
		{NodeID{}, 160},
	}

	for _, tc := range tests {
		result := tc.id.LeadingZeros()
		if result != tc.expected {
			t.Errorf("LeadingZeros(%v) = %d, expected %d", tc.id[:4], result, tc.expected)
		}
	}
}

func TestCompactNodeRoundTrip(t *testing.T) {
	node := &Node{
		ID:   NodeID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 6881},
	}

	compact, err := node.Compact()
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if len(compact) != CompactNodeSize {
		t.Fatalf("Expected %d bytes, got %d", CompactNodeSize, len(compact))
	}

	parsed, err := ParseCompactNode(compact)
	if err != nil {
		t.Fatalf("ParseCompactNode failed: %v", err)
	}
	if parsed.ID != node.ID {
		t.Error("ID mismatch")
	}
	if !parsed.Addr.IP.Equal(node.Addr.IP) {
		t.Errorf("IP mismatch: %v != %v", parsed.Addr.IP, node.Addr.IP)
	}
	if parsed.Addr.Port != node.Addr.Port {
		t.Errorf("Port mismatch: %d != %d", parsed.Addr.Port, node.Addr.Port)
	}
}

func TestCompactRejectsIPv6(t *testing.T) {
	node := &Node{
		ID:   NodeID{1},
		Addr: &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 6881},
	}
	if _, err := node.Compact(); err == nil {
		t.Error("Compact should reject IPv6 endpoints")
	}
}

func TestParseCompactNodes(t *testing.T) {
	nodes := make([]*Node, 3)
	for i := range nodes {
		var id NodeID
		id[0] = byte(i + 1)
		nodes[i] = &Node{
			ID:   id,
			Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, byte(i+1)), Port: 6881 + i},
		}
	}

	var data []byte
	for _, n := range nodes {
		compact, _ := n.Compact()
		data = append(data, compact...)
	}

	parsed, err := ParseCompactNodes(data)
	if err != nil {
		t.Fatalf("ParseCompactNodes failed: %v", err)
	}
	if len(parsed) != 3 {
		t.Fatalf("Expected 3 nodes, got %d", len(parsed))
	}
	for i, p := range parsed {
		if p.ID != nodes[i].ID {
			t.Errorf("Node %d: ID mismatch", i)
		}
	}
}

func TestParseCompactNodesBadLength(t *testing.T) {
	if _, err := ParseCompactNodes(make([]byte, 27)); err == nil {
		t.Error("Should reject data not divisible by the record size")
	}
}

func TestCompactPeerRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 51413}
	compact, err := CompactPeer(addr)
	if err != nil {
		t.Fatalf("CompactPeer failed: %v", err)
	}
	if len(compact) != CompactPeerSize {
		t.Fatalf("Expected %d bytes, got %d", CompactPeerSize, len(compact))
	}

	parsed, err := ParseCompactPeer(compact)
	if err != nil {
		t.Fatalf("ParseCompactPeer failed: %v", err)
	}
	if !parsed.IP.Equal(addr.IP) || parsed.Port != addr.Port {
		t.Errorf("Round trip mismatch: %v != %v", parsed, addr)
	}
}

func TestParseCompactPeers(t *testing.T) {
	values := []string{
		string([]byte{192, 168, 1, 1, 0x1A, 0xE1}),
		string([]byte{10, 0, 0, 1, 0x1A, 0xE2}),
		"short", // skipped
	}
	peers := ParseCompactPeers(values)
	if len(peers) != 2 {
		t.Fatalf("Expected 2 peers, got %d", len(peers))
	}
	if peers[0].String() != "192.168.1.1:6881" {
		t.Errorf("Expected 192.168.1.1:6881, got %s", peers[0])
	}
	if peers[1].String() != "10.0.0.1:6882" {
		t.Errorf("Expected 10.0.0.1:6882, got %s", peers[1])
	}
}

func TestNodeString(t *testing.T) {
	node := &Node{
		ID:   NodeID{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE},
		Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 6881},
	}
	s := node.String()
	if !bytes.Contains([]byte(s), []byte("deadbeef")) {
		t.Errorf("String should contain node ID prefix: %s", s)
	}
}

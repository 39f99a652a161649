package dht

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matei-oltean/go-dht/krpc"
	"github.com/matei-oltean/go-dht/routing"
)

// startTestNode boots a node on an ephemeral port
func startTestNode(t *testing.T, mutate func(cfg *Config)) *Node {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cfg := DefaultConfig()
	cfg.Port = -1
	cfg.Logger = logger
	if mutate != nil {
		mutate(cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

// testClient is a raw UDP client speaking KRPC to one node
type testClient struct {
	t    *testing.T
	conn *net.UDPConn
	id   routing.NodeID
}

func newTestClient(t *testing.T, nodePort int) *testClient {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: nodePort})
	if err != nil {
		t.Fatalf("dialing node: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	id, _ := routing.GenerateNodeID()
	return &testClient{t: t, conn: conn, id: id}
}

// roundTrip sends one frame and decodes the single reply
func (c *testClient) roundTrip(data []byte) (*krpc.Message, []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("sending query: %v", err)
	}
	buf := make([]byte, 65535)
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := c.conn.Read(buf)
	if err != nil {
		c.t.Fatalf("reading reply: %v", err)
	}
	msg, err := krpc.DecodeMessage(buf[:n])
	if err != nil {
		c.t.Fatalf("decoding reply: %v", err)
	}
	return msg, buf[:n]
}

func TestPingEcho(t *testing.T) {
	node := startTestNode(t, nil)
	client := newTestClient(t, node.Port())

	query, err := krpc.EncodePing("aa", client.id)
	if err != nil {
		t.Fatalf("EncodePing failed: %v", err)
	}
	reply, _ := client.roundTrip(query)

	if reply.TransactionID != "aa" {
		t.Errorf("Transaction ID mismatch: %q", reply.TransactionID)
	}
	if reply.Type != krpc.ResponseType {
		t.Errorf("Expected response, got %q", reply.Type)
	}
	if reply.Response.ID != string(node.ID[:]) {
		t.Error("Reply should carry the node's own ID")
	}
}

func TestFindNodeEmptyTable(t *testing.T) {
	node := startTestNode(t, nil)
	client := newTestClient(t, node.Port())

	target, _ := routing.GenerateNodeID()
	query, _ := krpc.EncodeFindNode("ab", client.id, target)
	reply, raw := client.roundTrip(query)

	if reply.Type != krpc.ResponseType {
		t.Fatalf("Expected response, got %q (%+v)", reply.Type, reply.Error)
	}
	if reply.Response.Nodes != "" {
		t.Errorf("Empty table should yield no nodes, got %d bytes", len(reply.Response.Nodes))
	}
	// The nodes key must be present even when empty
	if !strings.Contains(string(raw), "5:nodes0:") {
		t.Errorf("Reply should carry an explicit empty nodes string: %q", raw)
	}
}

func TestGetPeersAnnounceFlow(t *testing.T) {
	node := startTestNode(t, nil)

	// Configure the routing table with two nodes
	n1, _ := routing.GenerateNodeID()
	n2, _ := routing.GenerateNodeID()
	node.table.Add(&routing.Node{ID: n1, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}})
	node.table.Add(&routing.Node{ID: n2, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 6882}})

	var infoHash [20]byte
	copy(infoHash[:], "test-info-hash-12345")

	announcer := newTestClient(t, node.Port())
	query, _ := krpc.EncodeGetPeers("ac", announcer.id, infoHash)
	reply, _ := announcer.roundTrip(query)

	if reply.Response.Token == "" {
		t.Fatal("get_peers reply must carry a token")
	}
	nodes, err := routing.ParseCompactNodes([]byte(reply.Response.Nodes))
	if err != nil {
		t.Fatalf("Parsing nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected the 2 configured nodes, got %d", len(nodes))
	}

	// Announce with the token we just got
	announce, _ := krpc.EncodeAnnouncePeer("ad", announcer.id, infoHash, 6881, reply.Response.Token, false)
	ack, _ := announcer.roundTrip(announce)
	if ack.Type != krpc.ResponseType {
		t.Fatalf("Announce rejected: %+v", ack.Error)
	}
	if ack.Response.ID != string(node.ID[:]) {
		t.Error("Announce ack should carry the node's own ID")
	}

	// A new source now sees the announced peer, and still gets a token
	seeker := newTestClient(t, node.Port())
	query2, _ := krpc.EncodeGetPeers("ae", seeker.id, infoHash)
	reply2, _ := seeker.roundTrip(query2)

	if reply2.Response.Token == "" {
		t.Error("Second get_peers should still carry a fresh token")
	}
	peers := routing.ParseCompactPeers(reply2.Response.Values)
	if len(peers) != 1 {
		t.Fatalf("Expected 1 stored peer, got %d", len(peers))
	}
	if peers[0].String() != "127.0.0.1:6881" {
		t.Errorf("Stored peer should be the announcer's IP with the announced port, got %s", peers[0])
	}
}

func TestAnnounceWithBogusToken(t *testing.T) {
	node := startTestNode(t, nil)
	client := newTestClient(t, node.Port())

	var infoHash [20]byte
	infoHash[0] = 0x55

	announce, _ := krpc.EncodeAnnouncePeer("af", client.id, infoHash, 6881, "deadbeef", false)
	reply, _ := client.roundTrip(announce)

	if reply.Type != krpc.ErrorType {
		t.Fatalf("Expected an error reply, got %q", reply.Type)
	}
	if reply.Error.Code != krpc.ErrorProtocol || reply.Error.Message != "Invalid token" {
		t.Errorf("Expected [203, Invalid token], got [%d, %s]", reply.Error.Code, reply.Error.Message)
	}
	if got := node.peers.Lookup(infoHash); len(got) != 0 {
		t.Errorf("Peer store must stay unchanged, has %d peers", len(got))
	}
}

func TestUnknownMethod(t *testing.T) {
	node := startTestNode(t, nil)
	client := newTestClient(t, node.Port())

	// A well-formed query with a method this node does not implement
	raw := "d1:ad2:id20:" + string(client.id[:]) + "e1:q4:vote1:t2:ag1:y1:qe"
	reply, _ := client.roundTrip([]byte(raw))

	if reply.Type != krpc.ErrorType {
		t.Fatalf("Expected an error reply, got %q", reply.Type)
	}
	if reply.Error.Code != krpc.ErrorMethodUnknown {
		t.Errorf("Expected code 204, got %d", reply.Error.Code)
	}
}

func TestImpliedPortUsesSourcePort(t *testing.T) {
	node := startTestNode(t, nil)
	client := newTestClient(t, node.Port())

	var infoHash [20]byte
	infoHash[0] = 0x66

	query, _ := krpc.EncodeGetPeers("ah", client.id, infoHash)
	reply, _ := client.roundTrip(query)

	announce, _ := krpc.EncodeAnnouncePeer("ai", client.id, infoHash, 1, reply.Response.Token, true)
	ack, _ := client.roundTrip(announce)
	if ack.Type != krpc.ResponseType {
		t.Fatalf("Announce rejected: %+v", ack.Error)
	}

	sourcePort := client.conn.LocalAddr().(*net.UDPAddr).Port
	peers := node.peers.Lookup(infoHash)
	if len(peers) != 1 {
		t.Fatalf("Expected 1 stored peer, got %d", len(peers))
	}
	if peers[0].Port != sourcePort {
		t.Errorf("implied_port should store the source port %d, got %d", sourcePort, peers[0].Port)
	}
}

func TestBootstrapAgainstLocalNode(t *testing.T) {
	anchor := startTestNode(t, nil)

	joiner := startTestNode(t, func(cfg *Config) {
		cfg.BootstrapNodes = []string{"127.0.0.1:" + strconv.Itoa(anchor.Port())}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := joiner.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Expected 1 successful attempt, got %d", result.Succeeded)
	}
	if joiner.table.Find(anchor.ID) == nil {
		t.Error("Joiner should have learned the anchor node")
	}
}

func TestBootstrapCancelled(t *testing.T) {
	node := startTestNode(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := node.Bootstrap(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
}

func TestBootstrapResolveFallback(t *testing.T) {
	node := startTestNode(t, func(cfg *Config) {
		cfg.BootstrapFallbackIPs = map[string][]string{
			"bootstrap.invalid": {"127.0.0.1"},
		}
		cfg.DNSTimeout = 200 * time.Millisecond
	})

	endpoints := node.resolveBootstrapHost(context.Background(), "bootstrap.invalid:6881")
	if len(endpoints) != 1 {
		t.Fatalf("Expected the fallback endpoint, got %v", endpoints)
	}
	if endpoints[0].String() != "127.0.0.1:6881" {
		t.Errorf("Unexpected fallback endpoint %s", endpoints[0])
	}
}

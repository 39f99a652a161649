package dht

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/matei-oltean/go-dht/krpc"
	"github.com/matei-oltean/go-dht/routing"
)

// ErrTableEmpty is returned when a lookup has no seed nodes
var ErrTableEmpty = errors.New("no nodes in routing table")

// PeerLookupResult is what a peer lookup converges to: the harvested
// peers, the closest nodes observed, and the announce tokens those
// nodes handed out
type PeerLookupResult struct {
	Peers  []*net.UDPAddr
	Nodes  []*routing.Node
	Tokens map[routing.NodeID]string
}

type lookupKind int

const (
	lookupNodes lookupKind = iota
	lookupPeers
)

// lookup is one in-flight iterative Kademlia lookup: a shortlist of
// candidates sorted by distance to the target, probed alpha at a time,
// converging when nothing un-queried remains and no probe is in
// flight. The completion callback fires exactly once.
type lookup struct {
	n      *Node
	kind   lookupKind
	target routing.NodeID

	mu        sync.Mutex
	shortlist []*routing.Node
	queried   mapset.Set[routing.NodeID]
	responded mapset.Set[routing.NodeID]
	failed    mapset.Set[routing.NodeID]
	peers     []*net.UDPAddr
	peerSeen  map[string]bool
	tokens    map[routing.NodeID]string
	inflight  int
	rounds    int

	completed atomic.Bool
	onNodes   func([]*routing.Node, error)
	onPeers   func(*PeerLookupResult, error)
}

// FindClosestNodes asynchronously resolves the nodes observed closest
// to target. A nil callback turns the lookup into pure table
// maintenance.
func (n *Node) FindClosestNodes(target routing.NodeID, cb func([]*routing.Node, error)) {
	if cb == nil {
		cb = func([]*routing.Node, error) {}
	}
	seed := n.table.Closest(target, n.cfg.MaxResults)
	if len(seed) == 0 {
		cb(nil, ErrTableEmpty)
		return
	}
	lk := &lookup{
		n:         n,
		kind:      lookupNodes,
		target:    target,
		shortlist: append([]*routing.Node(nil), seed...),
		queried:   mapset.NewThreadUnsafeSet[routing.NodeID](),
		responded: mapset.NewThreadUnsafeSet[routing.NodeID](),
		failed:    mapset.NewThreadUnsafeSet[routing.NodeID](),
		onNodes:   cb,
	}
	lk.step()
}

// FindPeers asynchronously resolves peers for an info hash. The
// lookup keeps converging after peers surface so it can also deliver
// the announce tokens of the closest nodes, unless configured to stop
// early.
func (n *Node) FindPeers(infoHash [20]byte, cb func(*PeerLookupResult, error)) {
	if cb == nil {
		cb = func(*PeerLookupResult, error) {}
	}
	target := routing.NodeID(infoHash)
	seed := n.table.Closest(target, n.cfg.MaxResults)
	if len(seed) == 0 {
		cb(nil, ErrTableEmpty)
		return
	}
	lk := &lookup{
		n:         n,
		kind:      lookupPeers,
		target:    target,
		shortlist: append([]*routing.Node(nil), seed...),
		queried:   mapset.NewThreadUnsafeSet[routing.NodeID](),
		responded: mapset.NewThreadUnsafeSet[routing.NodeID](),
		failed:    mapset.NewThreadUnsafeSet[routing.NodeID](),
		peerSeen:  make(map[string]bool),
		tokens:    make(map[routing.NodeID]string),
		onPeers:   cb,
	}
	lk.step()
}

// step issues queries to the closest un-queried shortlist nodes, up to
// alpha at a time, and completes the lookup once nothing remains to
// probe and nothing is in flight
func (lk *lookup) step() {
	if lk.completed.Load() {
		return
	}

	lk.mu.Lock()
	var batch []*routing.Node
	if lk.rounds < lk.n.cfg.MaxIterations {
		for _, node := range lk.shortlist {
			if lk.queried.Contains(node.ID) || lk.failed.Contains(node.ID) {
				continue
			}
			batch = append(batch, node)
			if len(batch) >= lk.n.cfg.Alpha {
				break
			}
		}
	}
	if len(batch) > 0 {
		lk.rounds++
		for _, node := range batch {
			lk.queried.Add(node.ID)
			lk.inflight++
		}
	}
	done := len(batch) == 0 && lk.inflight == 0
	lk.mu.Unlock()

	if done {
		lk.complete()
		return
	}
	for _, node := range batch {
		lk.query(node)
	}
}

// query probes one shortlist node; its continuation rides the
// transaction callbacks
func (lk *lookup) query(node *routing.Node) {
	id := node.ID
	method := krpc.MethodFindNode
	encode := func(txID string) ([]byte, error) {
		return krpc.EncodeFindNode(txID, lk.n.ID, lk.target)
	}
	if lk.kind == lookupPeers {
		method = krpc.MethodGetPeers
		encode = func(txID string) ([]byte, error) {
			return krpc.EncodeGetPeers(txID, lk.n.ID, lk.target)
		}
	}

	err := lk.n.sendQuery(method, node.Addr, encode,
		func(msg *krpc.Message, _ *net.UDPAddr) { lk.onResponse(id, msg) },
		func(*krpc.Message, *net.UDPAddr) { lk.onFailure(id) },
		func() { lk.onFailure(id) })
	if err != nil {
		lk.onFailure(id)
	}
}

// onResponse merges a probe's reply: returned nodes enter the
// shortlist and the routing table, returned peers and tokens are
// harvested for peer lookups
func (lk *lookup) onResponse(id routing.NodeID, msg *krpc.Message) {
	returned, _ := routing.ParseCompactNodes([]byte(msg.Response.Nodes))

	lk.mu.Lock()
	lk.responded.Add(id)
	lk.inflight--
	for _, cand := range returned {
		lk.merge(cand)
	}
	if lk.kind == lookupPeers {
		if msg.Response.Token != "" {
			lk.tokens[id] = msg.Response.Token
		}
		for _, peer := range routing.ParseCompactPeers(msg.Response.Values) {
			key := peer.String()
			if !lk.peerSeen[key] {
				lk.peerSeen[key] = true
				lk.peers = append(lk.peers, peer)
			}
		}
	}
	stopEarly := lk.kind == lookupPeers && lk.n.cfg.StopOnPeersFound && len(lk.peers) > 0
	lk.mu.Unlock()

	for _, cand := range returned {
		lk.n.observeNode(cand)
	}

	if stopEarly {
		lk.complete()
		return
	}
	lk.step()
}

// onFailure marks a probed node failed, for this lookup and for the
// routing table's failure count
func (lk *lookup) onFailure(id routing.NodeID) {
	lk.n.table.RecordFailure(id)

	lk.mu.Lock()
	lk.failed.Add(id)
	lk.inflight--
	lk.mu.Unlock()

	lk.step()
}

// merge adds a candidate to the shortlist, keeping it sorted by
// distance to the target and truncated to max results. Callers must
// hold lk.mu.
func (lk *lookup) merge(cand *routing.Node) {
	if cand.ID == lk.n.ID {
		return
	}
	for _, existing := range lk.shortlist {
		if existing.ID == cand.ID {
			return
		}
	}

	// Insertion keeps the list sorted; it is never longer than a few
	// dozen entries
	pos := len(lk.shortlist)
	for i, existing := range lk.shortlist {
		if routing.CompareDistance(cand.ID, existing.ID, lk.target) < 0 {
			pos = i
			break
		}
	}
	lk.shortlist = append(lk.shortlist, nil)
	copy(lk.shortlist[pos+1:], lk.shortlist[pos:])
	lk.shortlist[pos] = cand

	if len(lk.shortlist) > lk.n.cfg.MaxResults {
		lk.shortlist = lk.shortlist[:lk.n.cfg.MaxResults]
	}
}

// complete fires the lookup's callback exactly once. Nodes that
// responded rank ahead of ones never heard from; failed nodes are
// dropped.
func (lk *lookup) complete() {
	if !lk.completed.CompareAndSwap(false, true) {
		return
	}

	lk.mu.Lock()
	result := make([]*routing.Node, 0, len(lk.shortlist))
	for _, node := range lk.shortlist {
		if lk.responded.Contains(node.ID) {
			result = append(result, node)
		}
	}
	for _, node := range lk.shortlist {
		if !lk.responded.Contains(node.ID) && !lk.failed.Contains(node.ID) {
			result = append(result, node)
		}
	}
	if len(result) > lk.n.cfg.MaxResults {
		result = result[:lk.n.cfg.MaxResults]
	}
	peers := lk.peers
	tokens := lk.tokens
	lk.mu.Unlock()

	switch lk.kind {
	case lookupNodes:
		lk.onNodes(result, nil)
	case lookupPeers:
		lk.onPeers(&PeerLookupResult{Peers: peers, Nodes: result, Tokens: tokens}, nil)
	}
}

// Announce locates the nodes closest to the info hash and announces
// the given port to each with the token it handed out during the
// lookup. The callback receives whether any announce was acknowledged.
func (n *Node) Announce(infoHash [20]byte, port int, cb func(success bool)) {
	if cb == nil {
		cb = func(bool) {}
	}
	n.FindPeers(infoHash, func(res *PeerLookupResult, err error) {
		if err != nil {
			cb(false)
			return
		}

		var targets []*routing.Node
		for _, node := range res.Nodes {
			if _, ok := res.Tokens[node.ID]; ok {
				targets = append(targets, node)
			}
			if len(targets) >= n.cfg.K {
				break
			}
		}
		if len(targets) == 0 {
			cb(false)
			return
		}

		var mu sync.Mutex
		remaining := len(targets)
		succeeded := false
		settle := func(ok bool) {
			mu.Lock()
			if ok {
				succeeded = true
			}
			remaining--
			done := remaining == 0
			result := succeeded
			mu.Unlock()
			if done {
				cb(result)
			}
		}

		for _, node := range targets {
			token := res.Tokens[node.ID]
			err := n.sendQuery(krpc.MethodAnnounce, node.Addr,
				func(txID string) ([]byte, error) {
					return krpc.EncodeAnnouncePeer(txID, n.ID, infoHash, port, token, false)
				},
				func(*krpc.Message, *net.UDPAddr) { settle(true) },
				func(*krpc.Message, *net.UDPAddr) { settle(false) },
				func() { settle(false) })
			if err != nil {
				settle(false)
			}
		}
	})
}

// LookupNodes is the synchronous form of FindClosestNodes
func (n *Node) LookupNodes(ctx context.Context, target routing.NodeID) ([]*routing.Node, error) {
	type outcome struct {
		nodes []*routing.Node
		err   error
	}
	ch := make(chan outcome, 1)
	n.FindClosestNodes(target, func(nodes []*routing.Node, err error) {
		ch <- outcome{nodes, err}
	})
	select {
	case out := <-ch:
		return out.nodes, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LookupPeers is the synchronous form of FindPeers
func (n *Node) LookupPeers(ctx context.Context, infoHash [20]byte) (*PeerLookupResult, error) {
	type outcome struct {
		res *PeerLookupResult
		err error
	}
	ch := make(chan outcome, 1)
	n.FindPeers(infoHash, func(res *PeerLookupResult, err error) {
		ch <- outcome{res, err}
	})
	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AnnouncePeer is the synchronous form of Announce
func (n *Node) AnnouncePeer(ctx context.Context, infoHash [20]byte, port int) (bool, error) {
	ch := make(chan bool, 1)
	n.Announce(infoHash, port, func(success bool) { ch <- success })
	select {
	case success := <-ch:
		return success, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

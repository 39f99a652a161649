package routing

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// DefaultBucketSize is the Kademlia k constant
const DefaultBucketSize = 8

// DefaultRefreshInterval is how long a bucket may go unchanged before
// it should be refreshed with a lookup for a random ID in its range
const DefaultRefreshInterval = 15 * time.Minute

// Bucket holds up to k nodes whose distance from the table owner falls
// in the bucket's range, ordered least-recently-seen first
type Bucket struct {
	nodes       []*Node
	lastChanged time.Time
}

// Table is the k-bucket routing table.
//
// Buckets partition the 160-bit distance space: bucket i holds nodes
// whose distance from the owner has exactly i leading zero bits, and
// the final bucket holds everything closer. Only the final bucket
// covers the owner's own distance range, so it is the only one that
// splits; a split appends a new bucket and redistributes.
type Table struct {
	self    NodeID
	k       int
	refresh time.Duration
	clk     clock.Clock

	mu      sync.Mutex
	buckets []*Bucket
}

// NewTable creates a routing table for the given owner ID.
// A k of 0 selects DefaultBucketSize; a nil clock selects the wall clock.
func NewTable(self NodeID, k int, clk clock.Clock) *Table {
	if k <= 0 {
		k = DefaultBucketSize
	}
	if clk == nil {
		clk = clock.New()
	}
	t := &Table{
		self:    self,
		k:       k,
		refresh: DefaultRefreshInterval,
		clk:     clk,
	}
	t.buckets = []*Bucket{{nodes: make([]*Node, 0, k), lastChanged: clk.Now()}}
	return t
}

// Self returns the owner ID
func (t *Table) Self() NodeID {
	return t.self
}

// K returns the bucket capacity
func (t *Table) K() int {
	return t.k
}

// bucketIndex returns the index of the bucket covering the distance
// between the owner and the given ID. Callers must hold t.mu.
func (t *Table) bucketIndex(id NodeID) int {
	lz := Distance(t.self, id).LeadingZeros()
	if lz >= len(t.buckets) {
		return len(t.buckets) - 1
	}
	return lz
}

// Add inserts or refreshes a node.
//
// Returns added=true when the node is now in the table. When a full,
// non-splittable bucket blocks the insert, added is false and evict is
// the least-recently-seen occupant: the caller should liveness-check it
// and, on failure, call Replace to complete the insertion. A bucket
// occupant that already went bad is replaced immediately.
func (t *Table) Add(n *Node) (added bool, evict *Node) {
	if n == nil || n.ID == t.self {
		return false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	for {
		idx := t.bucketIndex(n.ID)
		bucket := t.buckets[idx]

		// Already present: move to the tail and refresh
		for i, existing := range bucket.nodes {
			if existing.ID == n.ID {
				bucket.nodes = append(bucket.nodes[:i], bucket.nodes[i+1:]...)
				existing.Addr = n.Addr
				existing.LastSeen = now
				existing.FailedQueries = 0
				bucket.nodes = append(bucket.nodes, existing)
				bucket.lastChanged = now
				return true, nil
			}
		}

		if len(bucket.nodes) < t.k {
			n.LastSeen = now
			bucket.nodes = append(bucket.nodes, n)
			bucket.lastChanged = now
			return true, nil
		}

		// Only the final bucket covers the owner's own range
		if idx == len(t.buckets)-1 && len(t.buckets) < 160 {
			t.split()
			continue
		}

		// Full and not splittable: replace a bad occupant if there is
		// one, otherwise hand the least-recently-seen node back for a
		// liveness check
		for i, existing := range bucket.nodes {
			if existing.Quality(now) == Bad {
				bucket.nodes = append(bucket.nodes[:i], bucket.nodes[i+1:]...)
				n.LastSeen = now
				bucket.nodes = append(bucket.nodes, n)
				bucket.lastChanged = now
				return true, nil
			}
		}
		return false, bucket.nodes[0]
	}
}

// split turns the final bucket into two: one covering the next leading
// zero count exactly, one covering everything closer. Callers must hold
// t.mu.
func (t *Table) split() {
	last := t.buckets[len(t.buckets)-1]
	depth := len(t.buckets) - 1

	stay := make([]*Node, 0, t.k)
	closer := make([]*Node, 0, t.k)
	for _, n := range last.nodes {
		if Distance(t.self, n.ID).LeadingZeros() == depth {
			stay = append(stay, n)
		} else {
			closer = append(closer, n)
		}
	}
	now := t.clk.Now()
	last.nodes = stay
	last.lastChanged = now
	t.buckets = append(t.buckets, &Bucket{nodes: closer, lastChanged: now})
}

// Replace removes oldID (if still present) and inserts n in its place.
// Used after a liveness check on an eviction candidate fails.
func (t *Table) Replace(oldID NodeID, n *Node) bool {
	t.Remove(oldID)
	added, _ := t.Add(n)
	return added
}

// Remove deletes a node from the table
func (t *Table) Remove(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[t.bucketIndex(id)]
	for i, n := range bucket.nodes {
		if n.ID == id {
			bucket.nodes = append(bucket.nodes[:i], bucket.nodes[i+1:]...)
			bucket.lastChanged = t.clk.Now()
			return
		}
	}
}

// Find returns the node with the given ID, or nil
func (t *Table) Find(id NodeID) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[t.bucketIndex(id)]
	for _, n := range bucket.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// RecordFailure notes an unanswered query to the node. The count
// resets when the node is next seen.
func (t *Table) RecordFailure(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[t.bucketIndex(id)]
	for _, n := range bucket.nodes {
		if n.ID == id {
			n.FailedQueries++
			return
		}
	}
}

// MarkAlive refreshes a node that answered a liveness check: it moves
// to the tail with a reset failure count
func (t *Table) MarkAlive(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[t.bucketIndex(id)]
	for i, n := range bucket.nodes {
		if n.ID == id {
			bucket.nodes = append(bucket.nodes[:i], bucket.nodes[i+1:]...)
			n.LastSeen = t.clk.Now()
			n.FailedQueries = 0
			bucket.nodes = append(bucket.nodes, n)
			bucket.lastChanged = t.clk.Now()
			return
		}
	}
}

// Closest returns up to count nodes sorted by ascending XOR distance
// to the target
func (t *Table) Closest(target NodeID, count int) []*Node {
	t.mu.Lock()
	all := make([]*Node, 0, t.sizeLocked())
	for _, bucket := range t.buckets {
		all = append(all, bucket.nodes...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return CompareDistance(all[i].ID, all[j].ID, target) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Nodes returns every node in the table
func (t *Table) Nodes() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*Node, 0, t.sizeLocked())
	for _, bucket := range t.buckets {
		all = append(all, bucket.nodes...)
	}
	return all
}

// Size returns the total number of nodes in the table
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sizeLocked()
}

func (t *Table) sizeLocked() int {
	count := 0
	for _, bucket := range t.buckets {
		count += len(bucket.nodes)
	}
	return count
}

// NumBuckets returns how many buckets the table currently has
func (t *Table) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// StaleBuckets returns the indices of non-empty buckets that have not
// changed within the refresh interval
func (t *Table) StaleBuckets() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []int
	threshold := t.clk.Now().Add(-t.refresh)
	for i, bucket := range t.buckets {
		if len(bucket.nodes) > 0 && bucket.lastChanged.Before(threshold) {
			stale = append(stale, i)
		}
	}
	return stale
}

// RandomIDInBucket generates a random ID whose distance from the owner
// falls in the given bucket's range, for refresh lookups
func (t *Table) RandomIDInBucket(idx int) NodeID {
	t.mu.Lock()
	last := len(t.buckets) - 1
	t.mu.Unlock()
	if idx > last {
		idx = last
	}

	var dist NodeID
	rand.Read(dist[:])
	// Clear the first idx bits, then set bit idx so the distance has
	// exactly idx leading zeros
	for i := 0; i < idx/8; i++ {
		dist[i] = 0
	}
	byteIdx := idx / 8
	bitIdx := idx % 8
	if byteIdx < 20 {
		dist[byteIdx] &= 0xFF >> bitIdx
		dist[byteIdx] |= 1 << (7 - bitIdx)
	}
	return Distance(t.self, dist)
}

package routing

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
)

func testNode(id NodeID, lastByte byte) *Node {
	return &Node{
		ID:   id,
		Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, lastByte), Port: 6881},
	}
}

// idWithDistance returns an ID at a distance with the given number of
// leading zeros from self
func idWithDistance(self NodeID, leadingZeros int, suffix byte) NodeID {
	var dist NodeID
	byteIdx := leadingZeros / 8
	bitIdx := leadingZeros % 8
	dist[byteIdx] = 1 << (7 - bitIdx)
	dist[19] ^= suffix
	return Distance(self, dist)
}

func TestTableAddFindRemove(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)

	id := idWithDistance(self, 0, 1)
	added, evict := table.Add(testNode(id, 1))
	if !added || evict != nil {
		t.Fatalf("Add failed: added=%v evict=%v", added, evict)
	}
	if table.Size() != 1 {
		t.Errorf("Expected size 1, got %d", table.Size())
	}

	if found := table.Find(id); found == nil {
		t.Error("Failed to find node")
	}

	table.Remove(id)
	if table.Size() != 0 {
		t.Errorf("Expected size 0, got %d", table.Size())
	}
	if table.Find(id) != nil {
		t.Error("Removed node still findable")
	}
}

func TestTableRejectsSelf(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)

	if added, _ := table.Add(testNode(self, 1)); added {
		t.Error("Table should never store the owner ID")
	}
}

func TestTableAddIdempotent(t *testing.T) {
	self, _ := GenerateNodeID()
	mock := clock.NewMock()
	table := NewTable(self, 0, mock)

	id := idWithDistance(self, 3, 9)
	table.Add(testNode(id, 1))
	first := table.Find(id).LastSeen

	mock.Add(1 * time.Minute)
	added, _ := table.Add(testNode(id, 1))
	if !added {
		t.Error("Re-adding an existing node should succeed")
	}
	if table.Size() != 1 {
		t.Errorf("Node set changed on re-add: size %d", table.Size())
	}
	if !table.Find(id).LastSeen.After(first) {
		t.Error("Re-add should refresh last seen")
	}
}

func TestTableSplitsOwnerBucket(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)

	// Nodes near the owner keep landing in the splittable bucket, so
	// every one of them must be accepted
	for i := range 3 * DefaultBucketSize {
		id := idWithDistance(self, 100+i/DefaultBucketSize, byte(i))
		if added, _ := table.Add(testNode(id, byte(i+1))); !added {
			t.Fatalf("Insert %d near owner should split, not refuse", i)
		}
	}
	if table.NumBuckets() < 2 {
		t.Errorf("Expected splits, still %d bucket(s)", table.NumBuckets())
	}
	if table.Size() != 3*DefaultBucketSize {
		t.Errorf("Expected %d nodes, got %d", 3*DefaultBucketSize, table.Size())
	}
}

func TestTableFullBucketOffersEvictionCandidate(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)

	// Force a split so bucket 0 becomes non-splittable
	table.Add(testNode(idWithDistance(self, 50, 1), 200))

	var first NodeID
	for i := range DefaultBucketSize {
		id := idWithDistance(self, 0, byte(i+1))
		if i == 0 {
			first = id
		}
		if added, _ := table.Add(testNode(id, byte(i+1))); !added {
			t.Fatalf("Insert %d into empty bucket failed", i)
		}
	}

	extra := testNode(idWithDistance(self, 0, 0xF0), 99)
	added, evict := table.Add(extra)
	if added {
		t.Fatal("Full non-splittable bucket should refuse the insert")
	}
	if evict == nil || evict.ID != first {
		t.Fatal("Eviction candidate should be the least-recently-seen node")
	}

	// The candidate failed its liveness check: the new node takes over
	if !table.Replace(evict.ID, extra) {
		t.Fatal("Replace failed")
	}
	if table.Find(first) != nil {
		t.Error("Evicted node still present")
	}
	if table.Find(extra.ID) == nil {
		t.Error("Replacement node missing")
	}
}

func TestTableReplacesBadNode(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)
	table.Add(testNode(idWithDistance(self, 50, 1), 200))

	ids := make([]NodeID, DefaultBucketSize)
	for i := range DefaultBucketSize {
		ids[i] = idWithDistance(self, 0, byte(i+1))
		table.Add(testNode(ids[i], byte(i+1)))
	}

	// Drive one occupant bad
	for range MaxFailedQueries {
		table.RecordFailure(ids[3])
	}

	extra := testNode(idWithDistance(self, 0, 0xF0), 99)
	added, evict := table.Add(extra)
	if !added || evict != nil {
		t.Fatalf("Bad occupant should be replaced directly: added=%v evict=%v", added, evict)
	}
	if table.Find(ids[3]) != nil {
		t.Error("Bad node should be gone")
	}
}

func TestMarkAliveResetsFailures(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)

	id := idWithDistance(self, 2, 7)
	table.Add(testNode(id, 1))
	table.RecordFailure(id)
	table.MarkAlive(id)

	if n := table.Find(id); n == nil || n.FailedQueries != 0 {
		t.Error("MarkAlive should reset the failure count")
	}
}

func TestTableClosest(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)

	for i := range 20 {
		var id NodeID
		id[0] = byte(i)
		id[19] = byte(i)
		table.Add(testNode(id, byte(i+1)))
	}

	var target NodeID
	target[0] = 5
	closest := table.Closest(target, 8)

	if len(closest) != 8 {
		t.Fatalf("Expected 8 nodes, got %d", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		if CompareDistance(closest[i].ID, closest[i-1].ID, target) < 0 {
			t.Error("Nodes not sorted by distance")
		}
	}
}

func TestTableClosestFewerThanAsked(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)
	table.Add(testNode(idWithDistance(self, 1, 1), 1))

	if got := len(table.Closest(self, 8)); got != 1 {
		t.Errorf("Expected 1 node, got %d", got)
	}
}

func TestStaleBuckets(t *testing.T) {
	self, _ := GenerateNodeID()
	mock := clock.NewMock()
	table := NewTable(self, 0, mock)

	table.Add(testNode(idWithDistance(self, 4, 1), 1))
	if got := table.StaleBuckets(); len(got) != 0 {
		t.Errorf("Fresh bucket reported stale: %v", got)
	}

	mock.Add(DefaultRefreshInterval + time.Minute)
	if got := table.StaleBuckets(); len(got) != 1 {
		t.Errorf("Expected 1 stale bucket, got %v", got)
	}
}

func TestRandomIDInBucket(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)

	// Grow a few buckets so higher indices exist
	for i := range 4 * DefaultBucketSize {
		table.Add(testNode(idWithDistance(self, 100+i/DefaultBucketSize, byte(i)), byte(i+1)))
	}

	for idx := range table.NumBuckets() - 1 {
		id := table.RandomIDInBucket(idx)
		if got := Distance(self, id).LeadingZeros(); got != idx {
			t.Errorf("Bucket %d: expected %d leading zeros, got %d", idx, idx, got)
		}
	}
}

func TestBucketPartitionCoversEveryID(t *testing.T) {
	self, _ := GenerateNodeID()
	table := NewTable(self, 0, nil)
	for i := range 5 * DefaultBucketSize {
		table.Add(testNode(idWithDistance(self, 96+i/DefaultBucketSize, byte(i)), byte(i+1)))
	}

	// Every ID must land in exactly one bucket: an accepted insert is
	// findable, a refused one leaves the table unchanged
	for i := range 50 {
		id, _ := GenerateNodeID()
		before := table.Size()
		added, _ := table.Add(testNode(id, byte(i+1)))
		if added && table.Find(id) == nil {
			t.Errorf("Accepted node %x not findable", id[:4])
		}
		if !added && table.Size() != before {
			t.Errorf("Refused insert changed the table size")
		}
	}
}

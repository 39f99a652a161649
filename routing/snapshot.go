package routing

import (
	"net"

	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

// tableSnapshot is the persisted form of a routing table: a bencode
// dictionary of the owner ID, the bucket size, and the known nodes
type tableSnapshot struct {
	OwnID      string         `bencode:"own_id"`
	BucketSize int64          `bencode:"k_bucket_size"`
	Nodes      []snapshotNode `bencode:"nodes"`
}

type snapshotNode struct {
	ID   string `bencode:"id"`
	IP   string `bencode:"ip"`
	Port int64  `bencode:"port"`
}

// MarshalSnapshot serializes the table's nodes for persistence
func (t *Table) MarshalSnapshot() ([]byte, error) {
	nodes := t.Nodes()
	snap := tableSnapshot{
		OwnID:      string(t.self[:]),
		BucketSize: int64(t.k),
		Nodes:      make([]snapshotNode, 0, len(nodes)),
	}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, snapshotNode{
			ID:   string(n.ID[:]),
			IP:   n.Addr.IP.String(),
			Port: int64(n.Addr.Port),
		})
	}
	data, err := bencode.EncodeBytes(snap)
	if err != nil {
		return nil, errors.Wrap(err, "encoding routing table snapshot")
	}
	return data, nil
}

// RestoreSnapshot loads nodes from a snapshot produced by
// MarshalSnapshot. Nodes re-enter through Add so the bucket invariants
// are re-established; entries that no longer parse are skipped.
// Returns the number of nodes restored.
func (t *Table) RestoreSnapshot(data []byte) (int, error) {
	var snap tableSnapshot
	if err := bencode.DecodeBytes(data, &snap); err != nil {
		return 0, errors.Wrap(err, "decoding routing table snapshot")
	}

	restored := 0
	for _, sn := range snap.Nodes {
		id, err := ParseNodeID([]byte(sn.ID))
		if err != nil {
			continue
		}
		ip := net.ParseIP(sn.IP)
		if ip == nil || sn.Port <= 0 || sn.Port > 65535 {
			continue
		}
		added, _ := t.Add(&Node{ID: id, Addr: &net.UDPAddr{IP: ip, Port: int(sn.Port)}})
		if added {
			restored++
		}
	}
	return restored, nil
}

// Package store holds the state a DHT node keeps on behalf of remote
// peers: announced peer endpoints and the anti-forgery tokens gating
// announces.
package store

import (
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

// Peer store defaults
const (
	DefaultPeerTTL             = 30 * time.Minute
	DefaultMaxPeersPerInfoHash = 100
	DefaultSweepInterval       = 5 * time.Minute
)

type peerEntry struct {
	addr      *net.UDPAddr
	expiresAt time.Time
}

// PeerStore maps info hashes to the peer endpoints announced for them,
// each with a TTL. Every operation is serialized against the sweeper
// through a single mutex.
type PeerStore struct {
	ttl        time.Duration
	maxPerHash int
	clk        clock.Clock

	mu    sync.Mutex
	peers map[[20]byte]map[string]*peerEntry
}

// NewPeerStore creates a peer store. Zero ttl or maxPerHash select the
// defaults; a nil clock selects the wall clock.
func NewPeerStore(ttl time.Duration, maxPerHash int, clk clock.Clock) *PeerStore {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	if maxPerHash <= 0 {
		maxPerHash = DefaultMaxPeersPerInfoHash
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PeerStore{
		ttl:        ttl,
		maxPerHash: maxPerHash,
		clk:        clk,
		peers:      make(map[[20]byte]map[string]*peerEntry),
	}
}

// Store inserts or refreshes a peer for the info hash. When the hash
// is at capacity the entry closest to expiry makes room.
func (s *PeerStore) Store(infoHash [20]byte, addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.peers[infoHash]
	if entries == nil {
		entries = make(map[string]*peerEntry)
		s.peers[infoHash] = entries
	}

	key := addr.String()
	if e, ok := entries[key]; ok {
		e.expiresAt = s.clk.Now().Add(s.ttl)
		return
	}

	if len(entries) >= s.maxPerHash {
		var victim string
		var soonest time.Time
		for k, e := range entries {
			if victim == "" || e.expiresAt.Before(soonest) {
				victim = k
				soonest = e.expiresAt
			}
		}
		delete(entries, victim)
	}

	entries[key] = &peerEntry{addr: addr, expiresAt: s.clk.Now().Add(s.ttl)}
}

// Lookup returns the live peer endpoints announced for the info hash
func (s *PeerStore) Lookup(infoHash [20]byte) []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var peers []*net.UDPAddr
	for _, e := range s.peers[infoHash] {
		if e.expiresAt.After(now) {
			peers = append(peers, e.addr)
		}
	}
	return peers
}

// Count returns how many peers are stored for the info hash,
// expired entries included until the next sweep
func (s *PeerStore) Count(infoHash [20]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers[infoHash])
}

// Len returns the number of info hashes with stored peers
func (s *PeerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Prune removes expired peers and drops info hashes left empty.
// Returns the number of entries removed.
func (s *PeerStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	removed := 0
	for hash, entries := range s.peers {
		for key, e := range entries {
			if !e.expiresAt.After(now) {
				delete(entries, key)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(s.peers, hash)
		}
	}
	return removed
}

// peerSnapshot is the persisted form of one stored peer
type peerSnapshot struct {
	IP   string `bencode:"ip"`
	Port int64  `bencode:"port"`
	TTL  int64  `bencode:"ttl_remaining_seconds"`
}

// MarshalSnapshot serializes the live entries as a bencode dictionary
// keyed by info hash
func (s *PeerStore) MarshalSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	snap := make(map[string][]peerSnapshot, len(s.peers))
	for hash, entries := range s.peers {
		var list []peerSnapshot
		for _, e := range entries {
			remaining := e.expiresAt.Sub(now)
			if remaining <= 0 {
				continue
			}
			list = append(list, peerSnapshot{
				IP:   e.addr.IP.String(),
				Port: int64(e.addr.Port),
				TTL:  int64(remaining.Seconds()),
			})
		}
		if len(list) > 0 {
			snap[string(hash[:])] = list
		}
	}
	data, err := bencode.EncodeBytes(snap)
	if err != nil {
		return nil, errors.Wrap(err, "encoding peer store snapshot")
	}
	return data, nil
}

// RestoreSnapshot loads peers from a snapshot, keeping each entry's
// remaining TTL. Entries that no longer parse are skipped.
// Returns the number of peers restored.
func (s *PeerStore) RestoreSnapshot(data []byte) (int, error) {
	var snap map[string][]peerSnapshot
	if err := bencode.DecodeBytes(data, &snap); err != nil {
		return 0, errors.Wrap(err, "decoding peer store snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	restored := 0
	for key, list := range snap {
		if len(key) != 20 {
			continue
		}
		var hash [20]byte
		copy(hash[:], key)
		entries := s.peers[hash]
		if entries == nil {
			entries = make(map[string]*peerEntry)
			s.peers[hash] = entries
		}
		for _, p := range list {
			ip := net.ParseIP(p.IP)
			if ip == nil || p.Port <= 0 || p.Port > 65535 || p.TTL <= 0 {
				continue
			}
			if len(entries) >= s.maxPerHash {
				break
			}
			addr := &net.UDPAddr{IP: ip, Port: int(p.Port)}
			entries[addr.String()] = &peerEntry{
				addr:      addr,
				expiresAt: now.Add(time.Duration(p.TTL) * time.Second),
			}
			restored++
		}
		if len(entries) == 0 {
			delete(s.peers, hash)
		}
	}
	return restored, nil
}

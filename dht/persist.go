package dht

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matei-oltean/go-dht/routing"
	"github.com/matei-oltean/go-dht/store"
)

// Snapshot filenames, fixed within the config directory
const (
	routingTableFile = "routing_table.dat"
	peersFile        = "peers.dat"
	transactionsFile = "transactions.dat"
	nodeIDFile       = "node_id.dat"
)

// persistenceManager snapshots the node's state to disk and restores
// it at startup. Writes are atomic (temp file + rename); a snapshot
// that fails to load is ignored and the node starts empty.
type persistenceManager struct {
	dir string
	log *logrus.Entry
}

func newPersistenceManager(dir string, log *logrus.Entry) *persistenceManager {
	return &persistenceManager{dir: dir, log: log}
}

// enabled reports whether a config directory was given
func (p *persistenceManager) enabled() bool {
	return p.dir != ""
}

// loadOrCreateNodeID reloads the persisted node ID, minting and
// persisting a fresh one on first start
func (p *persistenceManager) loadOrCreateNodeID() (routing.NodeID, error) {
	if !p.enabled() {
		return routing.GenerateNodeID()
	}

	path := filepath.Join(p.dir, nodeIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id, err := routing.ParseNodeID(data); err == nil {
			return id, nil
		}
		p.log.WithField("path", path).Warn("node ID file corrupt, generating a new ID")
	}

	id, err := routing.GenerateNodeID()
	if err != nil {
		return id, err
	}
	if err := p.atomicWrite(nodeIDFile, id[:]); err != nil {
		return id, errors.Wrap(err, "persisting node ID")
	}
	return id, nil
}

func (p *persistenceManager) saveRoutingTable(t *routing.Table) {
	data, err := t.MarshalSnapshot()
	if err != nil {
		p.log.WithError(err).Warn("routing table snapshot failed")
		return
	}
	if err := p.atomicWrite(routingTableFile, data); err != nil {
		p.log.WithError(err).Warn("writing routing table snapshot failed")
	}
}

// loadRoutingTable restores nodes from the snapshot, returning how
// many came back. Corruption is non-fatal.
func (p *persistenceManager) loadRoutingTable(t *routing.Table) int {
	data, ok := p.read(routingTableFile)
	if !ok {
		return 0
	}
	restored, err := t.RestoreSnapshot(data)
	if err != nil {
		p.log.WithError(err).Warn("routing table snapshot corrupt, starting empty")
		return 0
	}
	return restored
}

func (p *persistenceManager) savePeerStore(s *store.PeerStore) {
	data, err := s.MarshalSnapshot()
	if err != nil {
		p.log.WithError(err).Warn("peer store snapshot failed")
		return
	}
	if err := p.atomicWrite(peersFile, data); err != nil {
		p.log.WithError(err).Warn("writing peer store snapshot failed")
	}
}

func (p *persistenceManager) loadPeerStore(s *store.PeerStore) int {
	data, ok := p.read(peersFile)
	if !ok {
		return 0
	}
	restored, err := s.RestoreSnapshot(data)
	if err != nil {
		p.log.WithError(err).Warn("peer store snapshot corrupt, starting empty")
		return 0
	}
	return restored
}

func (p *persistenceManager) saveTransactions(tm *TransactionManager) {
	data, err := tm.MarshalSnapshot()
	if err != nil {
		p.log.WithError(err).Warn("transactions snapshot failed")
		return
	}
	if err := p.atomicWrite(transactionsFile, data); err != nil {
		p.log.WithError(err).Warn("writing transactions snapshot failed")
	}
}

// loadTransactions inspects the previous run's outstanding
// transactions. They are discarded: callback state is not persisted.
func (p *persistenceManager) loadTransactions(tm *TransactionManager) {
	data, ok := p.read(transactionsFile)
	if !ok {
		return
	}
	discarded, err := tm.RestoreSnapshot(data)
	if err != nil {
		p.log.WithError(err).Debug("transactions snapshot corrupt, ignoring")
		return
	}
	if discarded > 0 {
		p.log.WithField("discarded", discarded).Debug("discarded stale transactions from previous run")
	}
}

func (p *persistenceManager) read(name string) ([]byte, bool) {
	if !p.enabled() {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.WithError(err).WithField("file", name).Warn("reading snapshot failed")
		}
		return nil, false
	}
	return data, true
}

// atomicWrite replaces the named file via a temp file and rename so a
// crash mid-write never leaves a torn snapshot
func (p *persistenceManager) atomicWrite(name string, data []byte) error {
	if !p.enabled() {
		return nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}

	target := filepath.Join(p.dir, name)
	tmp, err := os.CreateTemp(p.dir, name+".tmp*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "replacing snapshot")
	}
	return nil
}

// Package dht implements a Mainline BitTorrent DHT node (BEP 5): it
// joins the overlay via bootstrap peers, maintains a k-bucket view of
// nearby nodes, answers remote queries, and performs iterative lookups
// for callers.
package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"golang.org/x/time/rate"

	"github.com/matei-oltean/go-dht/routing"
	"github.com/matei-oltean/go-dht/store"
)

// Default node configuration
const (
	DefaultPort          = 6881
	portProbeRange       = 8 // also try the configured Port+1 .. Port+8
	DefaultAlpha         = 3
	DefaultMaxResults    = 8
	DefaultMaxIterations = 20
	DefaultWorkers       = 4

	DefaultSaveInterval         = 10 * time.Minute
	DefaultRefreshCheckInterval = 5 * time.Minute
	DefaultBootstrapTimeout     = 30 * time.Second
	DefaultDNSTimeout           = 5 * time.Second

	timeoutSweepInterval  = 1 * time.Second
	rotationCheckInterval = 1 * time.Minute

	jobQueueSize = 256
)

// DefaultBootstrapNodes are well-known DHT entry points
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// DefaultBootstrapFallbackIPs are static addresses used when DNS
// resolution of a bootstrap host fails
var DefaultBootstrapFallbackIPs = map[string][]string{
	"router.bittorrent.com":  {"67.215.246.10"},
	"dht.transmissionbt.com": {"87.98.162.88"},
}

// Config collects the node's tunables. The zero value of any field
// selects its default.
type Config struct {
	Port      int    // first UDP port to try; negative binds an ephemeral port
	ConfigDir string // snapshot directory; empty disables persistence

	K             int // bucket size
	Alpha         int // lookup parallelism
	MaxResults    int // lookup shortlist size
	MaxIterations int // lookup round safety cap

	TransactionTimeout time.Duration
	MaxTransactions    int

	PeerTTL             time.Duration
	MaxPeersPerInfoHash int
	PeerSweepInterval   time.Duration

	TokenRotationInterval time.Duration

	SaveInterval         time.Duration
	RefreshCheckInterval time.Duration

	BootstrapNodes       []string
	BootstrapFallbackIPs map[string][]string
	BootstrapTimeout     time.Duration
	DNSTimeout           time.Duration

	// StopOnPeersFound makes peer lookups return at the first
	// harvested peers instead of converging for announce tokens
	StopOnPeersFound bool

	Workers int

	// Inbound query rate limiting; queries over the limit are dropped
	InboundQueryRate  rate.Limit
	InboundQueryBurst int

	Logger  *logrus.Logger
	Metrics tally.Scope
	Clock   clock.Clock
}

// DefaultConfig returns a config with every field at its default
func DefaultConfig() *Config {
	return &Config{
		Port:                  DefaultPort,
		K:                     routing.DefaultBucketSize,
		Alpha:                 DefaultAlpha,
		MaxResults:            DefaultMaxResults,
		MaxIterations:         DefaultMaxIterations,
		TransactionTimeout:    DefaultTransactionTimeout,
		MaxTransactions:       DefaultMaxTransactions,
		PeerTTL:               store.DefaultPeerTTL,
		MaxPeersPerInfoHash:   store.DefaultMaxPeersPerInfoHash,
		PeerSweepInterval:     store.DefaultSweepInterval,
		TokenRotationInterval: store.DefaultRotationInterval,
		SaveInterval:          DefaultSaveInterval,
		RefreshCheckInterval:  DefaultRefreshCheckInterval,
		BootstrapNodes:        DefaultBootstrapNodes,
		BootstrapFallbackIPs:  DefaultBootstrapFallbackIPs,
		BootstrapTimeout:      DefaultBootstrapTimeout,
		DNSTimeout:            DefaultDNSTimeout,
		Workers:               DefaultWorkers,
		InboundQueryRate:      256,
		InboundQueryBurst:     512,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.K <= 0 {
		c.K = d.K
	}
	if c.Alpha <= 0 {
		c.Alpha = d.Alpha
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = d.TransactionTimeout
	}
	if c.MaxTransactions <= 0 {
		c.MaxTransactions = d.MaxTransactions
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = d.PeerTTL
	}
	if c.MaxPeersPerInfoHash <= 0 {
		c.MaxPeersPerInfoHash = d.MaxPeersPerInfoHash
	}
	if c.PeerSweepInterval <= 0 {
		c.PeerSweepInterval = d.PeerSweepInterval
	}
	if c.TokenRotationInterval <= 0 {
		c.TokenRotationInterval = d.TokenRotationInterval
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = d.SaveInterval
	}
	if c.RefreshCheckInterval <= 0 {
		c.RefreshCheckInterval = d.RefreshCheckInterval
	}
	if c.BootstrapNodes == nil {
		c.BootstrapNodes = d.BootstrapNodes
	}
	if c.BootstrapFallbackIPs == nil {
		c.BootstrapFallbackIPs = d.BootstrapFallbackIPs
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = d.BootstrapTimeout
	}
	if c.DNSTimeout <= 0 {
		c.DNSTimeout = d.DNSTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.InboundQueryRate <= 0 {
		c.InboundQueryRate = d.InboundQueryRate
	}
	if c.InboundQueryBurst <= 0 {
		c.InboundQueryBurst = d.InboundQueryBurst
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Metrics == nil {
		c.Metrics = tally.NoopScope
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Node is a DHT node: the engine tying together the socket pump,
// codec, routing table, stores, transaction manager and lookup engine
type Node struct {
	ID routing.NodeID

	cfg   *Config
	log   *logrus.Entry
	scope tally.Scope
	clk   clock.Clock

	table   *routing.Table
	peers   *store.PeerStore
	tokens  *store.TokenStore
	txs     *TransactionManager
	persist *persistenceManager

	pump *socketPump
	port int
	// send is the outbound path; tests swap it for a simulated wire
	send func(data []byte, addr *net.UDPAddr) error

	limiter *rate.Limiter
	jobs    chan func()

	verifyMu  sync.Mutex
	verifying map[routing.NodeID]bool

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a DHT node. The node ID is reloaded from the config
// directory when one exists there, and the routing table and peer
// store are rehydrated from their snapshots.
func New(cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.fillDefaults()

	log := cfg.Logger.WithField("component", "dht")
	persist := newPersistenceManager(cfg.ConfigDir, cfg.Logger.WithField("component", "persistence"))

	id, err := persist.loadOrCreateNodeID()
	if err != nil {
		return nil, errors.Wrap(err, "setting up node ID")
	}

	n := &Node{
		ID:        id,
		cfg:       cfg,
		log:       log,
		scope:     cfg.Metrics.SubScope("dht"),
		clk:       cfg.Clock,
		table:     routing.NewTable(id, cfg.K, cfg.Clock),
		peers:     store.NewPeerStore(cfg.PeerTTL, cfg.MaxPeersPerInfoHash, cfg.Clock),
		tokens:    store.NewTokenStore(cfg.TokenRotationInterval, cfg.Clock),
		limiter:   rate.NewLimiter(cfg.InboundQueryRate, cfg.InboundQueryBurst),
		jobs:      make(chan func(), jobQueueSize),
		verifying: make(map[routing.NodeID]bool),
		persist:   persist,
		shutdown:  make(chan struct{}),
	}
	n.txs = NewTransactionManager(cfg.MaxTransactions, cfg.TransactionTimeout, cfg.Clock,
		cfg.Logger.WithField("component", "transactions"))
	n.send = func([]byte, *net.UDPAddr) error {
		return errors.New("node not started")
	}

	if restored := persist.loadRoutingTable(n.table); restored > 0 {
		log.WithField("nodes", restored).Info("restored routing table")
	}
	if restored := persist.loadPeerStore(n.peers); restored > 0 {
		log.WithField("peers", restored).Info("restored peer store")
	}
	persist.loadTransactions(n.txs)

	return n, nil
}

// Start binds the UDP socket and launches the receive loop, the
// worker pool and the background sweepers. Bind failure is fatal.
func (n *Node) Start(ctx context.Context) error {
	var conn *net.UDPConn
	var err error
	if n.cfg.Port < 0 {
		// Negative port asks the kernel for an ephemeral one
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	} else {
		for port := n.cfg.Port; port <= n.cfg.Port+portProbeRange; port++ {
			conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
			if err == nil {
				break
			}
		}
	}
	if conn == nil {
		return errors.Wrapf(err, "binding UDP port in range %d-%d", n.cfg.Port, n.cfg.Port+portProbeRange)
	}
	n.port = conn.LocalAddr().(*net.UDPAddr).Port

	n.pump = newSocketPump(conn, n.cfg.Logger.WithField("component", "socket"), n.scope)
	n.send = n.pump.send
	n.log.WithFields(logrus.Fields{"port": n.port, "id": n.ID.String()}).Info("DHT node listening")

	for range n.cfg.Workers {
		n.wg.Go(n.worker)
	}
	n.wg.Go(func() {
		n.pump.run(func(data []byte, addr *net.UDPAddr) {
			n.enqueue(func() { n.handleFrame(data, addr) })
		})
	})
	n.wg.Go(func() { n.timeoutLoop(ctx) })
	n.wg.Go(func() { n.sweepLoop(ctx) })
	n.wg.Go(func() { n.rotationLoop(ctx) })
	n.wg.Go(func() { n.refreshLoop(ctx) })
	if n.persist.enabled() {
		n.wg.Go(func() { n.snapshotLoop(ctx) })
	}

	return nil
}

// Stop shuts the node down, saving a final snapshot of its state
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.shutdown)
		if n.pump != nil {
			n.pump.close()
		}
		n.wg.Wait()
		n.saveSnapshots()
		n.log.Info("DHT node stopped")
	})
}

// Port returns the bound UDP port
func (n *Node) Port() int {
	return n.port
}

// Table returns the routing table
func (n *Node) Table() *routing.Table {
	return n.table
}

// enqueue hands a work unit to the pool; overflow is dropped so the
// receive loop never blocks behind slow handlers
func (n *Node) enqueue(job func()) {
	select {
	case n.jobs <- job:
	default:
		n.scope.Counter("jobs_dropped").Inc(1)
	}
}

func (n *Node) worker() {
	for {
		select {
		case <-n.shutdown:
			return
		case job := <-n.jobs:
			job()
		}
	}
}

// timeoutLoop sweeps transaction timeouts once per second
func (n *Node) timeoutLoop(ctx context.Context) {
	ticker := n.clk.Ticker(timeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.shutdown:
			return
		case <-ticker.C:
			if expired := n.txs.CheckTimeouts(); expired > 0 {
				n.scope.Counter("transactions_timed_out").Inc(int64(expired))
			}
		}
	}
}

// sweepLoop prunes expired peers
func (n *Node) sweepLoop(ctx context.Context) {
	ticker := n.clk.Ticker(n.cfg.PeerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.shutdown:
			return
		case <-ticker.C:
			if removed := n.peers.Prune(); removed > 0 {
				n.log.WithField("removed", removed).Debug("pruned expired peers")
			}
		}
	}
}

// rotationLoop rotates the token secret when due
func (n *Node) rotationLoop(ctx context.Context) {
	ticker := n.clk.Ticker(rotationCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.shutdown:
			return
		case <-ticker.C:
			if n.tokens.MaybeRotate() {
				n.log.Debug("rotated token secret")
			}
		}
	}
}

// refreshLoop refreshes stale buckets with lookups for random IDs in
// their ranges, and re-bootstraps when the table decays
func (n *Node) refreshLoop(ctx context.Context) {
	ticker := n.clk.Ticker(n.cfg.RefreshCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.shutdown:
			return
		case <-ticker.C:
			if n.table.Size() < n.cfg.K {
				go n.Bootstrap(ctx)
				continue
			}
			for _, idx := range n.table.StaleBuckets() {
				n.FindClosestNodes(n.table.RandomIDInBucket(idx), nil)
			}
		}
	}
}

// snapshotLoop periodically saves the node's state
func (n *Node) snapshotLoop(ctx context.Context) {
	ticker := n.clk.Ticker(n.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.saveSnapshots()
		}
	}
}

func (n *Node) saveSnapshots() {
	if !n.persist.enabled() {
		return
	}
	n.persist.saveRoutingTable(n.table)
	n.persist.savePeerStore(n.peers)
	n.persist.saveTransactions(n.txs)
}

package dht

import (
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/bencode"

	"github.com/matei-oltean/go-dht/krpc"
)

// Transaction manager defaults
const (
	DefaultTransactionTimeout = 30 * time.Second
	DefaultMaxTransactions    = 1024
)

// ErrTooManyTransactions is returned by Create when the active
// transaction cap is reached
var ErrTooManyTransactions = errors.New("transaction table full")

// Transaction is an outbound query awaiting its response, error or
// timeout. Exactly one of the three callbacks fires, and it fires at
// most once.
type Transaction struct {
	ID        string
	Method    string
	Dest      *net.UDPAddr
	CreatedAt time.Time

	OnResponse func(*krpc.Message, *net.UDPAddr)
	OnError    func(*krpc.Message, *net.UDPAddr)
	OnTimeout  func()
}

// TransactionManager allocates transaction IDs, matches inbound
// responses and errors to their queries, and fires timeouts.
//
// Callbacks are always invoked outside the table lock: the entry is
// taken out under the lock, then called.
type TransactionManager struct {
	timeout time.Duration
	max     int
	clk     clock.Clock
	log     *logrus.Entry

	mu      sync.Mutex
	pending map[string]*Transaction
	counter uint16
}

// NewTransactionManager creates a transaction manager. Zero max or
// timeout select the defaults; a nil clock selects the wall clock.
func NewTransactionManager(max int, timeout time.Duration, clk clock.Clock, log *logrus.Entry) *TransactionManager {
	if max <= 0 {
		max = DefaultMaxTransactions
	}
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TransactionManager{
		timeout: timeout,
		max:     max,
		clk:     clk,
		log:     log,
		pending: make(map[string]*Transaction),
	}
}

// Create registers a transaction for an outbound query and returns its
// freshly minted 2-byte transaction ID. Fails with
// ErrTooManyTransactions at the cap.
func (tm *TransactionManager) Create(method string, dest *net.UDPAddr, onResponse func(*krpc.Message, *net.UDPAddr), onError func(*krpc.Message, *net.UDPAddr), onTimeout func()) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if len(tm.pending) >= tm.max {
		return "", ErrTooManyTransactions
	}

	// Skip IDs still in flight; with a 1024 cap on 65536 IDs this
	// always terminates
	var txID string
	for {
		tm.counter++
		txID = string([]byte{byte(tm.counter >> 8), byte(tm.counter)})
		if _, exists := tm.pending[txID]; !exists {
			break
		}
	}

	tm.pending[txID] = &Transaction{
		ID:         txID,
		Method:     method,
		Dest:       dest,
		CreatedAt:  tm.clk.Now(),
		OnResponse: onResponse,
		OnError:    onError,
		OnTimeout:  onTimeout,
	}
	return txID, nil
}

// PeekMethod returns the method of the pending transaction with the
// given ID, so the dispatcher can interpret a response's shape before
// handing it over
func (tm *TransactionManager) PeekMethod(txID string) (string, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tx, ok := tm.pending[txID]
	if !ok {
		return "", false
	}
	return tx.Method, true
}

// Abort removes a transaction without firing any callback, for
// queries that never made it onto the wire
func (tm *TransactionManager) Abort(txID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.pending, txID)
}

// take removes and returns the matching transaction, noting source
// address mismatches. NATs rewrite source ports mid-flight, so a
// mismatched source is logged and still processed.
func (tm *TransactionManager) take(txID string, src *net.UDPAddr) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tx, ok := tm.pending[txID]
	if !ok {
		return nil
	}
	delete(tm.pending, txID)

	if src != nil && tx.Dest != nil && src.String() != tx.Dest.String() {
		tm.log.WithFields(logrus.Fields{
			"expected": tx.Dest.String(),
			"actual":   src.String(),
			"method":   tx.Method,
		}).Debug("transaction answered from unexpected source")
	}
	return tx
}

// HandleResponse completes the transaction matching the response's
// transaction ID. Returns false for unsolicited responses.
func (tm *TransactionManager) HandleResponse(msg *krpc.Message, src *net.UDPAddr) bool {
	tx := tm.take(msg.TransactionID, src)
	if tx == nil {
		return false
	}
	if tx.OnResponse != nil {
		tx.OnResponse(msg, src)
	}
	return true
}

// HandleError completes the transaction matching the error's
// transaction ID. Returns false for unsolicited errors.
func (tm *TransactionManager) HandleError(msg *krpc.Message, src *net.UDPAddr) bool {
	tx := tm.take(msg.TransactionID, src)
	if tx == nil {
		return false
	}
	if tx.OnError != nil {
		tx.OnError(msg, src)
	}
	return true
}

// CheckTimeouts fires the timeout callback of every transaction older
// than the timeout and removes it. Returns how many timed out.
func (tm *TransactionManager) CheckTimeouts() int {
	cutoff := tm.clk.Now().Add(-tm.timeout)

	tm.mu.Lock()
	var expired []*Transaction
	for txID, tx := range tm.pending {
		if tx.CreatedAt.Before(cutoff) {
			expired = append(expired, tx)
			delete(tm.pending, txID)
		}
	}
	tm.mu.Unlock()

	for _, tx := range expired {
		if tx.OnTimeout != nil {
			tx.OnTimeout()
		}
	}
	return len(expired)
}

// Len returns the number of pending transactions
func (tm *TransactionManager) Len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}

// txSnapshot is the persisted form of one outstanding transaction.
// Callback state is not persistable, so reloaded entries are only
// good for inspection and are discarded.
type txSnapshot struct {
	Method     string `bencode:"method"`
	Dest       string `bencode:"dest"`
	AgeSeconds int64  `bencode:"age_seconds"`
}

// MarshalSnapshot serializes the outstanding transactions keyed by
// transaction ID
func (tm *TransactionManager) MarshalSnapshot() ([]byte, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.clk.Now()
	snap := make(map[string]txSnapshot, len(tm.pending))
	for txID, tx := range tm.pending {
		snap[txID] = txSnapshot{
			Method:     tx.Method,
			Dest:       tx.Dest.String(),
			AgeSeconds: int64(now.Sub(tx.CreatedAt).Seconds()),
		}
	}
	data, err := bencode.EncodeBytes(snap)
	if err != nil {
		return nil, errors.Wrap(err, "encoding transactions snapshot")
	}
	return data, nil
}

// RestoreSnapshot parses a transactions snapshot and discards every
// entry: their callbacks cannot be reconstructed. Returns how many
// were discarded.
func (tm *TransactionManager) RestoreSnapshot(data []byte) (int, error) {
	var snap map[string]txSnapshot
	if err := bencode.DecodeBytes(data, &snap); err != nil {
		return 0, errors.Wrap(err, "decoding transactions snapshot")
	}
	return len(snap), nil
}

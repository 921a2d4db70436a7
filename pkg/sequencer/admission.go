package sequencer

import (
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/metrics"
	"github.com/cuemby/l2seq/pkg/types"
)

// SignatureVerifier checks a transaction's signature at admission. It is
// a capability slice, not a full HSM-backed Signer — verification only
// needs a public key check, never the private half.
type SignatureVerifier interface {
	Verify(tx *types.Transaction) bool
}

// Ed25519Verifier treats AccountID as an Ed25519 public key and verifies
// tx.Signature over tx.SigningDigest(). This is the default verifier; a
// bridge-relayer-facing deployment can substitute its own.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(tx *types.Transaction) bool {
	if len(tx.Signature) != ed25519.SignatureSize {
		return false
	}
	digest := tx.SigningDigest()
	return ed25519.Verify(tx.Sender[:], digest[:], tx.Signature)
}

// NonceSource answers lastCommittedNonce(sender) for admission's nonce
// check. Implemented by an adapter over the StateStore, kept narrow so
// admission never needs a reference to the whole store.
type NonceSource interface {
	LastCommittedNonce(sender types.AccountID) uint64
}

// storeReader is the single method Admission needs from *store.StateStore.
type storeReader interface {
	Get(key string) ([]byte, bool, error)
}

// StoreNonceSource reads a sender's last committed nonce out of the
// StateStore key StateReplication.Apply writes on every commit.
type StoreNonceSource struct {
	Store storeReader
}

func (s StoreNonceSource) LastCommittedNonce(sender types.AccountID) uint64 {
	raw, ok, err := s.Store.Get(types.NonceKey(sender))
	if err != nil || !ok || len(raw) != 8 {
		return 0
	}
	return beUint64(raw)
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// acceptance is what submitTransaction returns, and what duplicate
// submissions on the same tx.id must replay verbatim.
type acceptance struct {
	id         types.TxID
	acceptedAt time.Time
}

// backpressure tracks admitted-vs-committed throughput over a rolling
// window. level 0 admits
// everything, 1 drops low priority, 2 drops low and medium.
type backpressure struct {
	window time.Duration
	level  atomic.Int32

	mu          sync.Mutex
	windowStart time.Time
	admitted    int
	committed   int
}

func newBackpressure(window time.Duration) *backpressure {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &backpressure{window: window, windowStart: time.Now()}
}

func (b *backpressure) recordAdmit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.admitted++
	b.maybeRoll()
}

func (b *backpressure) recordCommit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed += n
	b.maybeRoll()
}

// maybeRoll re-evaluates the drop level once a full window has elapsed,
// then resets the counters for the next window.
func (b *backpressure) maybeRoll() {
	if time.Since(b.windowStart) < b.window {
		return
	}
	switch {
	case b.admitted > 2*b.committed+1:
		b.level.Store(2)
	case b.admitted > b.committed+1:
		b.level.Store(1)
	default:
		b.level.Store(0)
	}
	b.admitted, b.committed = 0, 0
	b.windowStart = time.Now()
}

func (b *backpressure) shouldDrop(p types.Priority) bool {
	switch b.level.Load() {
	case 2:
		return p == types.PriorityLow || p == types.PriorityMedium
	case 1:
		return p == types.PriorityLow
	default:
		return false
	}
}

// Admission performs signature verification, nonce monotonicity,
// per-sender and global rate limiting, and idempotent resubmission, in
// front of the pending queue BundleProcessor drains.
type Admission struct {
	cfg      config.Config
	verifier SignatureVerifier
	nonces   NonceSource
	queue    *PendingQueue
	bp       *backpressure

	global *rate.Limiter

	mu         sync.Mutex
	perSender  map[types.AccountID]*rate.Limiter
	seen       map[types.TxID]acceptance
}

// NewAdmission builds an Admission gating entry into queue. verifier and
// nonces may be nil to accept every signature/nonce (useful in tests that
// exercise only batch formation).
func NewAdmission(cfg config.Config, verifier SignatureVerifier, nonces NonceSource, queue *PendingQueue) *Admission {
	rps := cfg.GlobalRateLimit
	if rps <= 0 {
		rps = 50_000
	}
	return &Admission{
		cfg:       cfg,
		verifier:  verifier,
		nonces:    nonces,
		queue:     queue,
		bp:        newBackpressure(cfg.BackpressureWindow),
		global:    rate.NewLimiter(rate.Limit(rps), rps),
		perSender: make(map[types.AccountID]*rate.Limiter),
		seen:      make(map[types.TxID]acceptance),
	}
}

// RecordCommitted feeds the backpressure governor; the sequencer's commit
// loop calls this once per committed batch with the number of included
// transactions.
func (a *Admission) RecordCommitted(n int) { a.bp.recordCommit(n) }

func (a *Admission) senderLimiter(sender types.AccountID) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Bound the limiter map the same way a per-IP rate limiter map would:
	// drop it all rather than let it grow forever.
	if len(a.perSender) > 100_000 {
		a.perSender = make(map[types.AccountID]*rate.Limiter)
	}
	lim, ok := a.perSender[sender]
	if !ok {
		cap := a.cfg.AdmissionCapPerSender
		if cap <= 0 {
			cap = 1000
		}
		lim = rate.NewLimiter(rate.Limit(cap), cap)
		a.perSender[sender] = lim
	}
	return lim
}

// Submit runs the full admission gate and, on success, enqueues tx.
func (a *Admission) Submit(tx *types.Transaction) (acceptance, error) {
	a.mu.Lock()
	if existing, ok := a.seen[tx.ID]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	a.mu.Unlock()

	if a.verifier != nil && !a.verifier.Verify(tx) {
		metrics.AdmissionRejectedTotal.WithLabelValues("invalid_signature").Inc()
		return acceptance{}, types.ErrInvalidSignature
	}
	if a.nonces != nil && tx.Nonce <= a.nonces.LastCommittedNonce(tx.Sender) {
		metrics.AdmissionRejectedTotal.WithLabelValues("nonce_too_low").Inc()
		return acceptance{}, types.ErrNonceTooLow
	}
	if a.bp.shouldDrop(tx.Priority) {
		metrics.AdmissionRejectedTotal.WithLabelValues("backpressure").Inc()
		return acceptance{}, types.ErrOverloaded
	}
	if !a.global.Allow() {
		metrics.AdmissionRejectedTotal.WithLabelValues("global_rate_limit").Inc()
		return acceptance{}, types.ErrOverloaded
	}
	if !a.senderLimiter(tx.Sender).Allow() {
		metrics.AdmissionRejectedTotal.WithLabelValues("sender_rate_limit").Inc()
		return acceptance{}, types.ErrOverloaded
	}

	acc := acceptance{id: tx.ID, acceptedAt: time.Now()}
	a.mu.Lock()
	a.seen[tx.ID] = acc
	a.mu.Unlock()

	a.queue.Push(tx)
	a.bp.recordAdmit()
	metrics.AdmittedTotal.WithLabelValues(tx.Priority.String()).Inc()
	metrics.PendingQueueDepth.Set(float64(a.queue.Len()))
	return acc, nil
}

// Forget drops an id's idempotency record, used when a transaction's
// client deadline expires before it is ever batched.
func (a *Admission) Forget(id types.TxID) {
	a.mu.Lock()
	delete(a.seen, id)
	a.mu.Unlock()
}


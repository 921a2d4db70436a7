package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/l2seq/pkg/accumulator"
	"github.com/cuemby/l2seq/pkg/cache"
	"github.com/cuemby/l2seq/pkg/config"
	"github.com/cuemby/l2seq/pkg/events"
	"github.com/cuemby/l2seq/pkg/log"
	"github.com/cuemby/l2seq/pkg/nodesync"
	"github.com/cuemby/l2seq/pkg/raft"
	"github.com/cuemby/l2seq/pkg/replog"
	"github.com/cuemby/l2seq/pkg/sequencer"
	"github.com/cuemby/l2seq/pkg/stateapply"
	"github.com/cuemby/l2seq/pkg/store"
	"github.com/cuemby/l2seq/pkg/transport"
	"github.com/cuemby/l2seq/pkg/workerpool"
)

// Node owns every subsystem for one cluster member and their lifecycle.
type Node struct {
	cfg config.Config

	Store       *store.StateStore
	Log         *replog.ReplicationLog
	Accumulator *accumulator.MerkleAccumulator
	Cache       *cache.MultiLevelCache
	Pool        *workerpool.Pool
	Raft        *raft.RaftCore
	Apply       *stateapply.StateReplication
	Sequencer   *sequencer.ParallelSequencer
	Sync        *nodesync.Syncer
	Bus         *events.Broker
	Transport   *transport.TCP

	logger zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New assembles a Node from cfg without starting anything. bindAddr is
// the local address the peer-to-peer TCP transport listens on.
func New(cfg config.Config, bindAddr string) (*Node, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}

	st, err := store.Open(dataDir, cfg.ShardCount, cfg.ShardingStrategy, cfg.ReadConsistency, cfg.WriteConsistency)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	rlog, err := replog.Open(filepath.Join(dataDir, "replog.db"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("node: open replication log: %w", err)
	}

	bus := events.NewBroker()

	pool := workerpool.New(workerpool.Elastic, cfg.MaxParallelTasks, cfg.MaxParallelTasks*4, 2*time.Second)
	mcache := cache.New(cfg.CacheLevels, cfg.EnablePrefetching, cfg.EnableCompression)
	acc := accumulator.New(mcache, pool)
	apply := stateapply.New(st, acc, mcache, bus)

	tcp := transport.NewTCP(bindAddr, cfg.MaxFrameSize)
	core := raft.New(cfg, rlog, apply, tcp, bus)
	tcp.AttachCore(core)

	queue := sequencer.NewPendingQueue(cfg.AgingRate)
	admission := sequencer.NewAdmission(cfg, sequencer.Ed25519Verifier{}, sequencer.StoreNonceSource{Store: st}, queue)
	seq := sequencer.New(sequencer.Deps{
		Cfg:       cfg,
		Admission: admission,
		Queue:     queue,
		Pool:      pool,
		Appender:  core,
		Applied:   apply,
		Status:    core,
		Batches:   rlog,
		Proofs:    acc,
		Bus:       bus,
	})

	syncer := nodesync.New(cfg, core, rlog, apply, tcp, bus)

	return &Node{
		cfg:         cfg,
		Store:       st,
		Log:         rlog,
		Accumulator: acc,
		Cache:       mcache,
		Pool:        pool,
		Raft:        core,
		Apply:       apply,
		Sequencer:   seq,
		Sync:        syncer,
		Bus:         bus,
		Transport:   tcp,
		logger:      log.WithNodeID(cfg.NodeID),
	}, nil
}

// Start launches every background loop: the event broker, Raft's control
// loop, the TCP listener, the sequencer's batch loop, and nodesync's scan
// loop. Start waits up to 50ms for the TCP listener to fail and returns
// that error; an error ListenAndServe returns after that is logged, not
// returned to the caller.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.Bus.Start()
	n.Raft.Start()
	n.Sequencer.Start(runCtx)
	n.Sync.Start(runCtx)

	errCh := make(chan error, 1)
	go func() {
		err := n.Transport.ListenAndServe(runCtx)
		if err != nil {
			n.logger.Error().Err(err).Msg("transport listener stopped")
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("node: transport listen: %w", err)
		}
	case <-time.After(50 * time.Millisecond):
		// Listener is up; ListenAndServe keeps running in the background
		// until runCtx is cancelled.
	}

	n.logger.Info().Msg("node started")
	n.started = true
	return nil
}

// Stop tears every subsystem down in reverse dependency order and closes
// the on-disk store and log.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}

	if n.cancel != nil {
		n.cancel()
	}
	n.Sync.Stop()
	n.Sequencer.Stop()
	n.Raft.Stop()
	n.Bus.Stop()

	if err := n.Log.Close(); err != nil {
		return err
	}
	if err := n.Store.Close(); err != nil {
		return err
	}
	n.logger.Info().Msg("node stopped")
	n.started = false
	return nil
}

// API exposes the client ingestion surface for whatever transport layer
// fronts this node; that layer lives elsewhere, and this is the whole of
// what it is allowed to call into.
func (n *Node) API() sequencer.API { return n.Sequencer }

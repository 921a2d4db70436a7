package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/l2seq/pkg/log"
	"github.com/cuemby/l2seq/pkg/raft"
)

// TCP is a raft.Transport backed by a framed binary protocol (magic +
// version + frame-kind + length-prefixed gob payload) over persistent
// per-peer connections.
type TCP struct {
	localAddr    string
	maxFrameSize int
	dialTimeout  time.Duration

	core *raft.RaftCore

	mu    sync.Mutex
	conns map[string]net.Conn

	listener net.Listener
}

// NewTCP creates a TCP transport that will listen on localAddr once
// ListenAndServe is called. maxFrameSize bounds the body of every frame
// read from a connection (inbound requests and the responses to outbound
// calls); frames this side writes are not checked against it.
func NewTCP(localAddr string, maxFrameSize int) *TCP {
	return &TCP{
		localAddr:    localAddr,
		maxFrameSize: maxFrameSize,
		dialTimeout:  2 * time.Second,
		conns:        make(map[string]net.Conn),
	}
}

// AttachCore wires the RaftCore whose RPC handlers serve inbound frames.
func (t *TCP) AttachCore(core *raft.RaftCore) { t.core = core }

// ListenAndServe accepts connections until ctx is cancelled or the
// listener is closed.
func (t *TCP) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.localAddr, err)
	}
	t.listener = ln
	return t.serve(ctx, ln)
}

// Addr returns the listener's bound address. Only meaningful after
// ListenAndServe has started (useful in tests that bind to port 0).
func (t *TCP) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCP) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go t.serveConn(ctx, conn)
	}
}

func (t *TCP) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		kind, body, err := readFrame(conn, t.maxFrameSize)
		if err != nil {
			return
		}
		resp, respKind, err := t.dispatch(ctx, kind, body)
		if err != nil {
			log.Errorf("transport: dispatch frame: %v", err)
			return
		}
		if err := writeFrame(conn, respKind, resp); err != nil {
			return
		}
	}
}

func (t *TCP) dispatch(ctx context.Context, kind frameKind, body []byte) (any, frameKind, error) {
	if t.core == nil {
		return nil, 0, fmt.Errorf("transport: no RaftCore attached")
	}
	switch kind {
	case frameRequestVoteReq:
		var req raft.RequestVoteRequest
		if err := decode(body, &req); err != nil {
			return nil, 0, err
		}
		resp, err := t.core.RequestVote(ctx, req)
		return resp, frameRequestVoteResp, err

	case frameAppendEntriesReq:
		var req raft.AppendEntriesRequest
		if err := decode(body, &req); err != nil {
			return nil, 0, err
		}
		resp, err := t.core.AppendEntries(ctx, req)
		return resp, frameAppendEntriesResp, err

	case frameInstallSnapshotReq:
		var req raft.InstallSnapshotRequest
		if err := decode(body, &req); err != nil {
			return nil, 0, err
		}
		resp, err := t.core.InstallSnapshot(ctx, req)
		return resp, frameInstallSnapshotResp, err

	default:
		return nil, 0, fmt.Errorf("transport: unknown frame kind %d", kind)
	}
}

func (t *TCP) getConn(peer string) (net.Conn, error) {
	t.mu.Lock()
	conn, ok := t.conns[peer]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := net.DialTimeout("tcp", peer, t.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", peer, err)
	}
	t.mu.Lock()
	t.conns[peer] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *TCP) dropConn(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[peer]; ok {
		_ = conn.Close()
		delete(t.conns, peer)
	}
}

func (t *TCP) roundTrip(ctx context.Context, peer string, reqKind frameKind, req any, respKind frameKind, resp any) error {
	conn, err := t.getConn(peer)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, reqKind, req); err != nil {
		t.dropConn(peer)
		return err
	}
	kind, body, err := readFrame(conn, t.maxFrameSize)
	if err != nil {
		t.dropConn(peer)
		return err
	}
	if kind != respKind {
		t.dropConn(peer)
		return fmt.Errorf("transport: unexpected response frame kind %d", kind)
	}
	return decode(body, resp)
}

func (t *TCP) SendRequestVote(ctx context.Context, peer string, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	var resp raft.RequestVoteResponse
	err := t.roundTrip(ctx, peer, frameRequestVoteReq, req, frameRequestVoteResp, &resp)
	return resp, err
}

func (t *TCP) SendAppendEntries(ctx context.Context, peer string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	err := t.roundTrip(ctx, peer, frameAppendEntriesReq, req, frameAppendEntriesResp, &resp)
	return resp, err
}

func (t *TCP) SendInstallSnapshot(ctx context.Context, peer string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	var resp raft.InstallSnapshotResponse
	err := t.roundTrip(ctx, peer, frameInstallSnapshotReq, req, frameInstallSnapshotResp, &resp)
	return resp, err
}

// Close shuts down the listener and every outbound connection.
func (t *TCP) Close() error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, conn := range t.conns {
		_ = conn.Close()
		delete(t.conns, peer)
	}
	return nil
}

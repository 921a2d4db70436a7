package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/l2seq/pkg/raft"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := raft.RequestVoteRequest{Term: 7, CandidateID: "B", LastLogIndex: 3, LastLogTerm: 2}

	require.NoError(t, writeFrame(&buf, frameRequestVoteReq, req))

	kind, body, err := readFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, frameRequestVoteReq, kind)

	var got raft.RequestVoteRequest
	require.NoError(t, decode(body, &got))
	require.Equal(t, req, got)
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	buf, err := encode(frameRequestVoteReq, raft.RequestVoteRequest{})
	require.NoError(t, err)
	buf[0] ^= 0xFF

	_, _, err = readFrame(bytes.NewReader(buf), 0)
	require.Error(t, err)
}

func TestReadFrameRejectsUnsupportedVersion(t *testing.T) {
	buf, err := encode(frameRequestVoteReq, raft.RequestVoteRequest{})
	require.NoError(t, err)
	buf[2] = 99

	_, _, err = readFrame(bytes.NewReader(buf), 0)
	require.Error(t, err)
}

func TestReadFrameEnforcesMaxFrameSize(t *testing.T) {
	buf, err := encode(frameAppendEntriesReq, raft.AppendEntriesRequest{LeaderID: "A"})
	require.NoError(t, err)

	_, _, err = readFrame(bytes.NewReader(buf), 1)
	require.Error(t, err)
}

package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

const (
	magic   uint16 = 0x5051
	version byte   = 1
)

type frameKind byte

const (
	frameRequestVoteReq frameKind = iota + 1
	frameRequestVoteResp
	frameAppendEntriesReq
	frameAppendEntriesResp
	frameInstallSnapshotReq
	frameInstallSnapshotResp
)

// header is magic(2) + version(1) + kind(1) + length(4) = 8 bytes.
const headerSize = 8

func encode(kind frameKind, payload any) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(payload); err != nil {
		return nil, fmt.Errorf("transport: encode frame: %w", err)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header[0:2], magic)
	header[2] = version
	header[3] = byte(kind)
	binary.BigEndian.PutUint32(header[4:8], uint32(body.Len()))

	return append(header, body.Bytes()...), nil
}

// writeFrame writes one length-prefixed frame to w.
func writeFrame(w io.Writer, kind frameKind, payload any) error {
	buf, err := encode(kind, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// readFrame reads one frame's header and validates it before reading the
// body, so an oversized or corrupt length field never triggers an
// unbounded allocation.
func readFrame(r io.Reader, maxFrameSize int) (frameKind, []byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	gotMagic := binary.BigEndian.Uint16(header[0:2])
	if gotMagic != magic {
		return 0, nil, fmt.Errorf("transport: bad magic %x", gotMagic)
	}
	if header[2] != version {
		return 0, nil, fmt.Errorf("transport: unsupported version %d", header[2])
	}
	kind := frameKind(header[3])
	length := binary.BigEndian.Uint32(header[4:8])
	if maxFrameSize > 0 && int(length) > maxFrameSize {
		return 0, nil, fmt.Errorf("transport: frame of %d bytes exceeds max %d", length, maxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return kind, body, nil
}

func decode(payload []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(out)
}

package cache

import (
	"bytes"
	"compress/flate"
	"io"
)

// compress and decompress back cached values above compressThreshold.
// Built on compress/flate rather than a third-party codec: no library in
// the dependency set covers general-purpose byte compression, and this
// is the one stdlib usage without an ecosystem substitute, documented in
// the design ledger.
func compress(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(value); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(value []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(value))
	defer r.Close()
	return io.ReadAll(r)
}

// Package replication produces and consumes CAR (Content-Addressable
// Archive) v1 streams: a header naming root CIDs followed by a
// sequence of (CID, bytes) frames in any order, plus full/incremental export
// and hash-verifying import with IncompleteStream detection.
package replication

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/noosphere/sphereengine/pkg/codec"
)

// Header is the CAR stream preamble: the set of root CIDs the stream is
// anchored at.
type Header struct {
	Version uint64      `cbor:"version"`
	Roots   []codec.CID `cbor:"roots"`
}

// WriteHeader writes a varint-length-prefixed, canonically-encoded Header.
func WriteHeader(w io.Writer, roots []codec.CID) error {
	hdr := Header{Version: 1, Roots: roots}
	raw, err := codec.Encode(&hdr)
	if err != nil {
		return fmt.Errorf("replication: encode car header: %w", err)
	}
	return writeFrame(w, raw)
}

// ReadHeader reads and decodes the stream's Header. r must be the same
// *bufio.Reader used for every subsequent ReadBlockFrame call on this
// stream: wrapping a raw io.Reader anew per call would silently drop bytes
// already buffered ahead by a prior wrap.
func ReadHeader(r *bufio.Reader) (*Header, error) {
	raw, err := readFrame(r)
	if err != nil {
		return nil, fmt.Errorf("replication: read car header: %w", err)
	}
	var hdr Header
	if err := codec.Decode(raw, &hdr); err != nil {
		return nil, fmt.Errorf("replication: decode car header: %w", err)
	}
	return &hdr, nil
}

// WriteBlockFrame writes one varint-length-prefixed (CID bytes || data)
// frame.
func WriteBlockFrame(w io.Writer, c codec.CID, data []byte) error {
	cb := c.Bytes()
	frame := make([]byte, 0, len(cb)+len(data))
	frame = append(frame, cb...)
	frame = append(frame, data...)
	return writeFrame(w, frame)
}

// ReadBlockFrame reads one (CID, bytes) frame, or io.EOF when the stream is
// exhausted. r must be the same *bufio.Reader passed to ReadHeader.
func ReadBlockFrame(r *bufio.Reader) (codec.CID, []byte, error) {
	frame, err := readFrame(r)
	if err != nil {
		return codec.Undef, nil, err
	}
	n, c, err := cid.CidFromBytes(frame)
	if err != nil {
		return codec.Undef, nil, fmt.Errorf("replication: parse frame cid: %w", err)
	}
	return c, frame[n:], nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

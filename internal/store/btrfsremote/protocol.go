// Package btrfsremote implements store.Store by driving a peer process
// (the same binary, invoked with --server) over an SSH session: one
// request/response message per store operation, framed length-prefixed
// over the peer's stdin/stdout.
package btrfsremote

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

// request is one length-prefixed message sent to the peer.
type request struct {
	Op       string         `json:"op"`
	ToUUID   string         `json:"to_uuid,omitempty"`
	FromUUID string         `json:"from_uuid,omitempty"`
	Path     string         `json:"path,omitempty"`
	Volume   *volume.Volume `json:"volume,omitempty"`
	Data     []byte         `json:"data,omitempty"`
	Final    bool           `json:"final,omitempty"`
}

// response is one length-prefixed message received from the peer.
type response struct {
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Volumes []volume.Volume `json:"volumes,omitempty"`
	Diffs   []volume.Diff   `json:"diffs,omitempty"`
	Present bool            `json:"present,omitempty"`
	Size    int64           `json:"size,omitempty"`
	Exact   bool            `json:"exact,omitempty"`
	Paths   []string        `json:"paths,omitempty"`
	Data    []byte          `json:"data,omitempty"`
	Done    bool            `json:"done,omitempty"`
}

// frameWriter and frameReader carry the 4-byte big-endian length prefix
// around each JSON message.
type frameWriter struct{ w io.Writer }

func (f frameWriter) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal rpc message: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := f.w.Write(header[:]); err != nil {
		return store.NewError(store.KindTransferTransient, "remote rpc write", err)
	}

	if _, err := f.w.Write(payload); err != nil {
		return store.NewError(store.KindTransferTransient, "remote rpc write", err)
	}

	return nil
}

type frameReader struct{ r io.Reader }

func (f frameReader) recv(v any) error {
	var header [4]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return store.NewError(store.KindTransferTransient, "remote rpc read", err)
	}

	size := binary.BigEndian.Uint32(header[:])

	buf := make([]byte, size)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return store.NewError(store.KindTransferTransient, "remote rpc read", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return store.NewError(store.KindMetadataCorrupt, "remote rpc decode", err)
	}

	return nil
}

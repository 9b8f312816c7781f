// Package rpcgob is the default transport/ConnCache implementation: it
// carries the peer RPCs over google.golang.org/grpc using a hand-written
// gob encoding.Codec instead of protobuf-generated messages (see
// DESIGN.md for why no generated stubs are used). gob is the standard
// library's own RPC wire format and grpc's codec interface is explicitly
// designed to be pluggable, so this is a supported way to use grpc
// without generated stubs.
package rpcgob

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

/*
Copyright 2023 The Splice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/nuclio/errors"
	"github.com/vmihailenco/msgpack/v4"
)

// ErrFrameTooLarge is returned when a declared frame length exceeds the
// codec's maximum. The payload is never read.
var ErrFrameTooLarge = errors.New("Frame exceeds maximum size")

// ErrUnknownKind is returned when a frame carries a tag outside the closed
// message set
var ErrUnknownKind = errors.New("Unknown message kind")

// Codec reads and writes length-prefixed frames on a stream. The wire format
// is a 4-byte big-endian length covering the rest of the frame, a 1-byte kind
// tag, then the msgpack-encoded payload. The same codec is used on the host
// and worker sockets.
type Codec struct {
	maxFrameSize uint32
}

func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return &Codec{
		maxFrameSize: maxFrameSize,
	}
}

// MaxFrameSize returns the maximum accepted frame size
func (c *Codec) MaxFrameSize() uint32 {
	return c.maxFrameSize
}

// SetMaxFrameSize applies a negotiated maximum. Called after the handshake
// with the minimum of both sides' declared maxima.
func (c *Codec) SetMaxFrameSize(maxFrameSize uint32) {
	c.maxFrameSize = maxFrameSize
}

// EncodeFrame encodes a kind tag and raw payload bytes into a single frame
func (c *Codec) EncodeFrame(kind Kind, payload []byte) ([]byte, error) {
	frameLen := uint32(len(payload)) + 1
	if frameLen > c.maxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "Encoded frame length %d exceeds %d", frameLen, c.maxFrameSize)
	}

	frame := make([]byte, 4+frameLen)
	binary.BigEndian.PutUint32(frame[0:4], frameLen)
	frame[4] = byte(kind)
	copy(frame[5:], payload)

	return frame, nil
}

// DecodeFrame splits a raw frame body (kind byte + payload) read off the wire
func (c *Codec) DecodeFrame(body []byte) (Kind, []byte, error) {
	if len(body) == 0 {
		return 0, nil, errors.New("Empty frame body")
	}

	kind := Kind(body[0])
	if !knownKind(kind) {
		return 0, nil, errors.Wrapf(ErrUnknownKind, "Tag 0x%02x", body[0])
	}

	return kind, body[1:], nil
}

// WriteMessage encodes a message and writes it as one frame
func (c *Codec) WriteMessage(writer io.Writer, message Message) error {
	payload, err := msgpack.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "Failed to marshal message payload")
	}

	frame, err := c.EncodeFrame(message.MessageKind(), payload)
	if err != nil {
		return err
	}

	if _, err := writer.Write(frame); err != nil {
		return errors.Wrap(err, "Failed to write frame")
	}

	return nil
}

// ReadMessage reads exactly one frame and decodes its payload. The length
// prefix is validated before any payload bytes are read, so an oversized
// frame never occupies memory. Partial reads are handled by io.ReadFull.
func (c *Codec) ReadMessage(reader io.Reader) (Message, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(reader, lengthPrefix[:]); err != nil {
		return nil, err
	}

	frameLen := binary.BigEndian.Uint32(lengthPrefix[:])
	if frameLen == 0 {
		return nil, errors.New("Zero-length frame")
	}

	if frameLen > c.maxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "Declared frame length %d exceeds %d", frameLen, c.maxFrameSize)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, errors.Wrap(err, "Failed to read frame body")
	}

	kind, payload, err := c.DecodeFrame(body)
	if err != nil {
		return nil, err
	}

	message := newMessageForKind(kind)
	if err := msgpack.Unmarshal(payload, message); err != nil {
		return nil, errors.Wrapf(err, "Failed to unmarshal %s payload", kind)
	}

	return message, nil
}

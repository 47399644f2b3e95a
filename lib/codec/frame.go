// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// CompressionThreshold is the body size in bytes above which
// EncodeFrame attempts zstd compression. Small control messages
// (heartbeats, votes) stay uncompressed; bulk payloads near the link
// budget get squeezed.
const CompressionThreshold = 512

// Frame layout: 1 flag byte, 16-byte BLAKE3-128 digest of the
// uncompressed body, 4-byte big-endian uncompressed body length, body.
const frameHeaderSize = 1 + digestSize + 4

const digestSize = 16

// Frame flag bits.
const (
	flagCompressed byte = 1 << 0
)

// ErrFrameTruncated reports a frame shorter than its header claims.
var ErrFrameTruncated = errors.New("codec: truncated frame")

// ErrFrameCorrupt reports a digest mismatch: the body was damaged in
// transit or the frame was assembled from mismatched fragments.
var ErrFrameCorrupt = errors.New("codec: frame digest mismatch")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame wraps body in a link frame: digest for integrity, zstd
// compression when the body is large enough to benefit. The body is
// not modified.
func EncodeFrame(body []byte) []byte {
	digest := blake3.Sum256(body)

	payload := body
	var flags byte
	if len(body) > CompressionThreshold {
		compressed := zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)))
		if len(compressed) < len(body) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	frame[0] = flags
	copy(frame[1:1+digestSize], digest[:digestSize])
	binary.BigEndian.PutUint32(frame[1+digestSize:frameHeaderSize], uint32(len(body)))
	return append(frame, payload...)
}

// DecodeFrame unwraps a link frame, decompressing if needed and
// verifying the integrity digest. Returns ErrFrameTruncated or
// ErrFrameCorrupt on damage.
func DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, ErrFrameTruncated
	}
	flags := frame[0]
	wantDigest := frame[1 : 1+digestSize]
	bodyLen := binary.BigEndian.Uint32(frame[1+digestSize : frameHeaderSize])
	payload := frame[frameHeaderSize:]

	body := payload
	if flags&flagCompressed != 0 {
		decompressed, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, bodyLen))
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decompress: %w", err)
		}
		body = decompressed
	}

	if uint32(len(body)) != bodyLen {
		return nil, ErrFrameTruncated
	}
	digest := blake3.Sum256(body)
	if string(digest[:digestSize]) != string(wantDigest) {
		return nil, ErrFrameCorrupt
	}
	return body, nil
}

// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the wire serialization layer for the swarm bus.
//
// Messages are encoded as deterministic CBOR (RFC 8949 Core
// Deterministic Encoding) so that the same logical message always
// produces identical bytes, which is what makes (sender, message ID)
// deduplication and digest checks meaningful. On top of the CBOR body,
// EncodeFrame/DecodeFrame add the inter-satellite-link frame: a flag
// byte, a BLAKE3-128 integrity digest, and optional zstd compression
// for bodies above the compression threshold.
package codec

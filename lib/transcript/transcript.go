// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript seals terminal run transcripts into self-describing
// archive blobs and opens them again.
//
// An archive is the run's ordered event payloads encoded as a
// deterministic CBOR array, compressed, optionally encrypted, and
// framed with a fixed header:
//
//	[0:4]   magic "CNDA"
//	[4]     format version (0x01)
//	[5]     compression tag (none, lz4, zstd)
//	[6]     flags (bit 0: encrypted)
//	[7:15]  uncompressed size, big-endian
//	[15:47] BLAKE3 digest of the CBOR plaintext
//
// Compression prefers zstd and falls back to LZ4, then to none, when
// the payload does not shrink. Encryption is XChaCha20-Poly1305 under
// a key derived from the configured archive key via HKDF-SHA256 with
// the run ID digest as the info parameter; the header and the run ID
// digest are authenticated as AAD, so a sealed blob can neither be
// reframed nor replayed against a different run.
package transcript

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/conductor/lib/codec"
	"github.com/bureau-foundation/conductor/lib/payload"
	"github.com/bureau-foundation/conductor/lib/secret"
)

const (
	archiveMagic   = "CNDA"
	archiveVersion = 0x01

	// headerSize is magic + version + tag + flags + size + digest.
	headerSize = 4 + 1 + 1 + 1 + 8 + payload.Size

	// flagEncrypted marks an archive whose body is an AEAD-sealed
	// box instead of the bare compressed payload.
	flagEncrypted = 0x01

	// maxUncompressedSize caps the allocation a forged size field can
	// cause when opening an unencrypted archive, whose header is not
	// authenticated until the digest check.
	maxUncompressedSize = 1 << 30
)

// hkdfInfoArchive is the HKDF domain separation prefix for archive
// encryption keys. Changing it invalidates every encrypted archive.
var hkdfInfoArchive = []byte("conductor.transcript.enc.v1")

var (
	// ErrNotArchive is returned by Open for blobs that do not start
	// with the archive magic.
	ErrNotArchive = errors.New("transcript: not a transcript archive")

	// ErrKeyRequired is returned by Open for encrypted archives when
	// no key is provided.
	ErrKeyRequired = errors.New("transcript: archive is encrypted and no key was provided")
)

// Seal encodes the run's event payloads into an archive blob. A nil
// key produces a plaintext archive; otherwise the body is encrypted
// under a key derived from key and the run ID. The key is borrowed and
// not closed.
func Seal(runID string, events [][]byte, key *secret.Buffer) ([]byte, error) {
	if runID == "" {
		return nil, fmt.Errorf("transcript: run ID is required")
	}
	if events == nil {
		events = [][]byte{}
	}

	plaintext, err := codec.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("transcript: encoding event array: %w", err)
	}
	digest := payload.Sum(plaintext)
	body, tag := compressBody(plaintext)

	var flags byte
	if key != nil {
		flags |= flagEncrypted
	}
	header := make([]byte, 0, headerSize)
	header = append(header, archiveMagic...)
	header = append(header, archiveVersion, byte(tag), flags)
	header = binary.BigEndian.AppendUint64(header, uint64(len(plaintext)))
	header = append(header, digest[:]...)

	if key != nil {
		body, err = encryptBody(body, key, payload.Sum([]byte(runID)), header)
		if err != nil {
			return nil, err
		}
	}
	return append(header, body...), nil
}

// Open parses an archive blob and returns the run's event payloads in
// their original order. The key is required for encrypted archives and
// ignored for plaintext ones; it is borrowed and not closed.
func Open(runID string, blob []byte, key *secret.Buffer) ([][]byte, error) {
	if runID == "" {
		return nil, fmt.Errorf("transcript: run ID is required")
	}
	if len(blob) < headerSize {
		return nil, fmt.Errorf("transcript: archive is %d bytes, minimum is %d", len(blob), headerSize)
	}
	if !bytes.Equal(blob[:4], []byte(archiveMagic)) {
		return nil, ErrNotArchive
	}
	if blob[4] != archiveVersion {
		return nil, fmt.Errorf("transcript: archive version %d is not supported (expected %d)", blob[4], archiveVersion)
	}
	tag := CompressionTag(blob[5])
	flags := blob[6]
	uncompressedSize := binary.BigEndian.Uint64(blob[7:15])
	if uncompressedSize > maxUncompressedSize {
		return nil, fmt.Errorf("transcript: archive claims %d uncompressed bytes, limit is %d", uncompressedSize, maxUncompressedSize)
	}
	var digest payload.Digest
	copy(digest[:], blob[15:headerSize])

	header := blob[:headerSize]
	body := blob[headerSize:]

	if flags&flagEncrypted != 0 {
		if key == nil {
			return nil, ErrKeyRequired
		}
		var err error
		body, err = decryptBody(body, key, payload.Sum([]byte(runID)), header)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := decompressBody(body, tag, int(uncompressedSize))
	if err != nil {
		return nil, err
	}
	if payload.Sum(plaintext) != digest {
		return nil, fmt.Errorf("transcript: archive digest mismatch (corrupted or truncated archive)")
	}

	var events [][]byte
	if err := codec.Unmarshal(plaintext, &events); err != nil {
		return nil, fmt.Errorf("transcript: decoding event array: %w", err)
	}
	return events, nil
}

// deriveArchiveKey derives the per-run encryption key from the
// configured archive key. The salt is nil per RFC 5869: the archive
// key is already high-entropy key material, and domain separation
// comes from the info parameter. The returned buffer must be closed by
// the caller.
func deriveArchiveKey(archiveKey *secret.Buffer, runDigest payload.Digest) (*secret.Buffer, error) {
	info := make([]byte, 0, len(hkdfInfoArchive)+len(runDigest))
	info = append(info, hkdfInfoArchive...)
	info = append(info, runDigest[:]...)

	reader := hkdf.New(sha256.New, archiveKey.Bytes(), nil, info)
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("transcript: deriving archive key: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// encryptBody seals the compressed payload as [nonce | ciphertext+tag]
// with the archive header and the run ID digest as AAD.
func encryptBody(compressed []byte, key *secret.Buffer, runDigest payload.Digest, header []byte) ([]byte, error) {
	derived, err := deriveArchiveKey(key, runDigest)
	if err != nil {
		return nil, err
	}
	defer derived.Close()

	aead, err := chacha20poly1305.NewX(derived.Bytes())
	if err != nil {
		return nil, fmt.Errorf("transcript: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("transcript: generating nonce: %w", err)
	}

	output := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(compressed)+aead.Overhead())
	copy(output, nonce[:])
	return aead.Seal(output, nonce[:], compressed, buildAAD(header, runDigest)), nil
}

// decryptBody opens an AEAD-sealed archive body.
func decryptBody(body []byte, key *secret.Buffer, runDigest payload.Digest, header []byte) ([]byte, error) {
	minimum := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(body) < minimum {
		return nil, fmt.Errorf("transcript: encrypted body is %d bytes, minimum is %d", len(body), minimum)
	}

	derived, err := deriveArchiveKey(key, runDigest)
	if err != nil {
		return nil, err
	}
	defer derived.Close()

	aead, err := chacha20poly1305.NewX(derived.Bytes())
	if err != nil {
		return nil, fmt.Errorf("transcript: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := body[:chacha20poly1305.NonceSizeX]
	ciphertext := body[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(header, runDigest))
	if err != nil {
		return nil, fmt.Errorf("transcript: archive authentication failed (wrong key, wrong run, or tampered data): %w", err)
	}
	return plaintext, nil
}

// buildAAD binds the ciphertext to both the archive framing and the
// run it belongs to.
func buildAAD(header []byte, runDigest payload.Digest) []byte {
	aad := make([]byte, 0, len(header)+len(runDigest))
	aad = append(aad, header...)
	aad = append(aad, runDigest[:]...)
	return aad
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential seals provider API keys with age x25519
// encryption so they can live on disk next to the worker without
// being readable by anything that lacks the machine identity.
//
// An operator seals a key to one or more machine recipients and
// distributes the resulting base64 blob. At startup the worker loads
// its identity file, unseals the blob, and holds the plaintext in a
// protected secret.Buffer for the lifetime of the process. The
// plaintext never touches disk on the worker.
package credential

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/conductor/lib/secret"
)

// identityPrefix starts the secret-key line of an age identity file.
const identityPrefix = "AGE-SECRET-KEY-1"

// Keypair is a generated age x25519 keypair. The identity stays in a
// protected buffer; the recipient string is public and safe to log,
// store in config, or hand to operators for sealing.
type Keypair struct {
	// Identity is the bech32 secret key (AGE-SECRET-KEY-1...).
	Identity *secret.Buffer

	// Recipient is the corresponding public key (age1...).
	Recipient string
}

// Close releases the identity's protected buffer.
func (keypair *Keypair) Close() error {
	if keypair.Identity != nil {
		return keypair.Identity.Close()
	}
	return nil
}

// Generate creates a fresh machine keypair.
func Generate() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("credential: generating keypair: %w", err)
	}

	buffer, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("credential: protecting identity: %w", err)
	}

	return &Keypair{
		Identity:  buffer,
		Recipient: identity.Recipient().String(),
	}, nil
}

// Seal encrypts plaintext to every recipient and returns the
// ciphertext as standard base64. Any one of the recipients' identities
// can unseal the result, which lets an operator seal a provider key
// once for a whole fleet of workers.
func Seal(plaintext []byte, recipients []string) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("credential: at least one recipient is required")
	}

	parsed := make([]age.Recipient, 0, len(recipients))
	for i, recipient := range recipients {
		r, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return "", fmt.Errorf("credential: parsing recipient %d (%q): %w", i, recipient, err)
		}
		parsed = append(parsed, r)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, parsed...)
	if err != nil {
		return "", fmt.Errorf("credential: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("credential: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("credential: finalizing encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sealed.Bytes()), nil
}

// Unseal decrypts base64 ciphertext with the machine identity and
// returns the plaintext in a protected buffer. The caller must close
// the buffer. An empty plaintext is rejected: a blank API key is
// always a sealing mistake, never a usable credential.
func Unseal(ciphertext string, identity *secret.Buffer) (*secret.Buffer, error) {
	// String copies the key onto the heap for the age parser. The
	// copy is unavoidable at this boundary; the parser's own state
	// is out of our hands anyway.
	parsed, err := age.ParseX25519Identity(identity.String())
	if err != nil {
		return nil, fmt.Errorf("credential: parsing identity: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("credential: decoding ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(sealed), parsed)
	if err != nil {
		return nil, fmt.Errorf("credential: decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("credential: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("credential: sealed payload is empty")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		// NewFromBytes zeros plaintext only on success.
		secret.Zero(plaintext)
		return nil, fmt.Errorf("credential: protecting plaintext: %w", err)
	}
	return buffer, nil
}

// WriteIdentity stores the keypair at path in the age identity file
// layout: a public-key comment followed by the secret-key line. The
// file is created 0600 and parent directories 0700, since the
// identity is the only thing standing between the sealed credentials
// and anyone who can read the disk.
func WriteIdentity(path string, keypair *Keypair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("credential: creating identity directory: %w", err)
	}

	content := []byte("# public key: " + keypair.Recipient + "\n" + keypair.Identity.String() + "\n")
	defer secret.Zero(content)

	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("credential: writing identity file: %w", err)
	}
	return nil
}

// LoadIdentity reads an identity file written by WriteIdentity or by
// age-keygen. Comment lines and blank lines are skipped; the first
// remaining line must be the secret key. The caller must close the
// returned buffer.
func LoadIdentity(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: reading identity file: %w", err)
	}
	defer secret.Zero(data)

	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] == '#' {
			continue
		}
		if !bytes.HasPrefix(trimmed, []byte(identityPrefix)) {
			return nil, fmt.Errorf("credential: %s is not an age identity file", path)
		}

		key := make([]byte, len(trimmed))
		copy(key, trimmed)
		buffer, err := secret.NewFromBytes(key)
		if err != nil {
			secret.Zero(key)
			return nil, fmt.Errorf("credential: protecting identity: %w", err)
		}
		return buffer, nil
	}

	return nil, fmt.Errorf("credential: no identity found in %s", path)
}

// UnsealFile reads a sealed credential file (base64 ciphertext,
// surrounding whitespace ignored) and unseals it with the identity.
// This is the worker's startup path for the gateway API key.
func UnsealFile(path string, identity *secret.Buffer) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: reading sealed file: %w", err)
	}
	return Unseal(strings.TrimSpace(string(data)), identity)
}

// ParseRecipient checks that a string is a valid age public key.
// Config validation uses this to reject typoed recipients before
// anything is sealed to them.
func ParseRecipient(recipient string) error {
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return fmt.Errorf("credential: invalid recipient %q: %w", recipient, err)
	}
	return nil
}

// ParseIdentity checks that a buffer holds a valid age secret key.
func ParseIdentity(identity *secret.Buffer) error {
	if _, err := age.ParseX25519Identity(identity.String()); err != nil {
		return fmt.Errorf("credential: invalid identity: %w", err)
	}
	return nil
}

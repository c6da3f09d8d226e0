// Package kmssigner adapts an AWS KMS asymmetric signing key into an
// Ethereum signer. Private key material is generated inside KMS or
// imported into it under envelope encryption and never leaves the
// service; addresses and canonical recoverable signatures are derived
// locally from the DER artifacts KMS returns.
package kmssigner

import (
	"time"
)

// Algorithm constants
const (
	AlgorithmSecp256k1        = "secp256k1"
	DefaultStoreVersion       = 1
	DefaultDeletionWindowDays = 7
)

// Source constants
const (
	SourceGenerated = "generated"
	SourceImported  = "imported"
	SourceResolved  = "resolved"
)

// Config holds configuration for Signer initialization.
type Config struct {
	Region          string        // AWS region hosting the KMS keys
	AccessKeyID     string        // Optional: static credentials
	SecretAccessKey string        // Optional: static credentials
	SessionToken    string        // Optional: static credentials
	Endpoint        string        // Optional: endpoint override (e.g. localstack)
	StorePath       string        // Path to local metadata store
	HTTPTimeout     time.Duration // Optional: HTTP request timeout
}

// Validate checks required configuration fields.
func (c *Config) Validate() error {
	if c.Region == "" {
		return ErrMissingRegion
	}
	if c.StorePath == "" {
		return ErrMissingStorePath
	}
	return nil
}

// KeyHandle identifies a key resource held by the remote service.
// It is assigned on creation or import and never changes afterwards.
type KeyHandle struct {
	KeyID string `json:"key_id"` // Service-issued key identifier
	ARN   string `json:"arn"`    // Fully qualified resource name
	Alias string `json:"alias"`  // Optional human-readable alias
}

// IsZero reports whether the handle identifies no key.
func (h KeyHandle) IsZero() bool {
	return h.KeyID == ""
}

// String returns the key identifier.
func (h KeyHandle) String() string {
	if h.Alias != "" {
		return h.Alias + " (" + h.KeyID + ")"
	}
	return h.KeyID
}

// ImportParameters is the single-use material for one import handshake:
// a target key resource, an RSA wrapping public key and an import token.
// The wrapping key and token expire together and must not be reused.
type ImportParameters struct {
	Target            KeyHandle
	WrappingPublicKey []byte // DER SubjectPublicKeyInfo, RSA
	ImportToken       []byte
	Expiry            time.Time
}

// ImportOptions configures key import and creation.
type ImportOptions struct {
	Alias       string            // Optional alias bound to the key
	Tags        map[string]string // Optional opaque tags for later discovery
	Description string            // Optional key description
	// ExpiresAt sets an expiration on imported key material. The zero
	// value means the material never expires, which is the common case.
	ExpiresAt time.Time
}

// EthereumSignature is a canonical recoverable secp256k1 signature.
// S is always in the lower half of the curve order and V is 27 or 28.
type EthereumSignature struct {
	R [32]byte
	S [32]byte
	V byte
}

// RecoveryID returns the chain-relative recovery id (0 or 1).
func (sig *EthereumSignature) RecoveryID() byte {
	return sig.V - 27
}

// Bytes returns the 65-byte R || S || V encoding.
func (sig *EthereumSignature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], sig.R[:])
	copy(out[32:64], sig.S[:])
	out[64] = sig.V
	return out
}

// KeyMetadata contains locally stored key information.
type KeyMetadata struct {
	KeyID       string    `json:"key_id"`
	ARN         string    `json:"arn"`
	Alias       string    `json:"alias,omitempty"`
	PubKeyBytes []byte    `json:"pub_key"` // 65-byte uncompressed point
	Address     string    `json:"address"` // Lowercase 0x-prefixed hex
	Algorithm   string    `json:"algorithm"`
	CreatedAt   time.Time `json:"created_at"`
	Source      string    `json:"source"`
}

// Handle returns the KeyHandle for this metadata entry.
func (m *KeyMetadata) Handle() KeyHandle {
	return KeyHandle{KeyID: m.KeyID, ARN: m.ARN, Alias: m.Alias}
}

// StoreData is the persisted store format.
type StoreData struct {
	Version int                     `json:"version"`
	Keys    map[string]*KeyMetadata `json:"keys"`
}

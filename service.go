package kmssigner

import (
	"context"
)

// KeyService is the capability boundary to the remote key-management
// service. Keys live behind this interface in hardware; only handles,
// DER-encoded public keys and DER-encoded signatures cross it.
//
// KMSService implements it against AWS KMS. Tests implement it with an
// in-process fake, which is the supported way to exercise the signer
// without cloud access.
type KeyService interface {
	// RequestImportParameters provisions a pending external-origin
	// secp256k1 signing key and returns the single-use wrapping key
	// and import token for it. The parameters expire; a stale token
	// requires a fresh call, never a resubmission.
	RequestImportParameters(ctx context.Context) (*ImportParameters, error)

	// SubmitImportMaterial completes an import handshake by uploading
	// the wrapped key material, optionally binding an alias and tags.
	SubmitImportMaterial(ctx context.Context, target KeyHandle, wrapped, token []byte, opts ImportOptions) (KeyHandle, error)

	// CreateSigningKey generates a new secp256k1 signing key inside
	// the service.
	CreateSigningKey(ctx context.Context, opts ImportOptions) (KeyHandle, error)

	// DescribePublicKey returns the key's public half as a DER-encoded
	// SubjectPublicKeyInfo structure.
	DescribePublicKey(ctx context.Context, handle KeyHandle) ([]byte, error)

	// RequestSignature signs a 32-byte digest and returns the raw
	// DER-encoded ECDSA signature.
	RequestSignature(ctx context.Context, handle KeyHandle, digest []byte) ([]byte, error)

	// ScheduleDeletion marks the key resource for deletion.
	ScheduleDeletion(ctx context.Context, handle KeyHandle) error
}

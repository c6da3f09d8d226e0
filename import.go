package kmssigner

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/GoodDollar/kms-signer/secp256k1"
)

// ImportKey imports an existing secp256k1 private key into the remote
// service under envelope encryption and returns the resulting handle.
//
// The key is accepted as hex with or without a 0x prefix and must be a
// valid scalar in (0, N). The handshake is three steps: request a fresh
// RSA wrapping key and single-use import token, encrypt the 32-byte
// scalar with RSA-OAEP-SHA256, submit the wrapped package. A failed or
// expired handshake must be restarted from the first step; the
// half-created key resource is scheduled for deletion so no usable
// resource is left behind.
//
// Import is not idempotent: calling it twice with the same material
// creates two distinct remote keys. Callers wanting idempotence should
// check KeyByAlias first.
func (s *Signer) ImportKey(ctx context.Context, privateKeyHex string, opts ImportOptions) (KeyHandle, error) {
	privKey, err := secp256k1.ParsePrivateKey(privateKeyHex)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	// Local fast path; the remote alias binding stays authoritative.
	if opts.Alias != "" && s.store.HasAlias(opts.Alias) {
		return KeyHandle{}, fmt.Errorf("%w: %s", ErrAliasCollision, opts.Alias)
	}

	params, err := s.svc.RequestImportParameters(ctx)
	if err != nil {
		return KeyHandle{}, err
	}
	if !params.Expiry.IsZero() && time.Now().After(params.Expiry) {
		_ = s.svc.ScheduleDeletion(ctx, params.Target)
		return KeyHandle{}, WrapKeyError("import", params.Target.KeyID, ErrImportTokenExpired)
	}

	material := privKey.Serialize()
	wrapped, err := wrapKeyMaterial(params.WrappingPublicKey, material)
	secp256k1.Zero(material)
	if err != nil {
		_ = s.svc.ScheduleDeletion(ctx, params.Target)
		return KeyHandle{}, WrapKeyError("import", params.Target.KeyID, err)
	}

	handle, err := s.svc.SubmitImportMaterial(ctx, params.Target, wrapped, params.ImportToken, opts)
	if err != nil {
		_ = s.svc.ScheduleDeletion(ctx, params.Target)
		return KeyHandle{}, err
	}

	// The service's public half is authoritative; it must match the
	// material that was wrapped.
	meta, err := s.buildMetadata(ctx, handle, SourceImported)
	if err != nil {
		_ = s.svc.ScheduleDeletion(ctx, handle)
		return KeyHandle{}, err
	}
	expected := privKey.PubKey().SerializeUncompressed()
	if !bytes.Equal(meta.PubKeyBytes, expected) {
		_ = s.svc.ScheduleDeletion(ctx, handle)
		return KeyHandle{}, WrapKeyError("import", handle.KeyID,
			fmt.Errorf("imported key public half does not match submitted material"))
	}

	if err := s.store.Save(meta); err != nil {
		_ = s.svc.ScheduleDeletion(ctx, handle)
		return KeyHandle{}, err
	}
	return handle, nil
}

// wrapKeyMaterial encrypts the raw scalar under the service-issued RSA
// wrapping key so the plaintext never crosses the wire.
func wrapKeyMaterial(wrappingKeyDER, material []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(wrappingKeyDER)
	if err != nil {
		return nil, fmt.Errorf("parse wrapping key: %w", err)
	}
	rsaPub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("wrapping key is %T, want RSA", parsed)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, material, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap key material: %w", err)
	}
	return wrapped, nil
}

package kmssigner

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/GoodDollar/kms-signer/secp256k1"
)

// ResolveAddress returns the Ethereum address controlled by the key
// behind a handle: the low 20 bytes of the Keccak-256 hash of the
// uncompressed public point, rendered as lowercase 0x-prefixed hex.
//
// The public key is fetched from the service on first use and cached
// for the process lifetime; key resources are never rotated in place,
// so the cache needs no invalidation.
func (s *Signer) ResolveAddress(ctx context.Context, handle KeyHandle) (string, error) {
	if meta, err := s.store.Get(handle.KeyID); err == nil && meta.Address != "" {
		return meta.Address, nil
	}

	pubKey, err := s.fetchPublicKey(ctx, handle)
	if err != nil {
		return "", err
	}

	address := secp256k1.AddressHex(secp256k1.EthereumAddress(pubKey))
	if err := s.store.PutResolved(handle, pubKey.SerializeUncompressed(), address); err != nil {
		return "", err
	}
	return address, nil
}

// ResolveChecksumAddress is ResolveAddress with EIP-55 mixed-case
// checksum rendering.
func (s *Signer) ResolveChecksumAddress(ctx context.Context, handle KeyHandle) (string, error) {
	address, err := s.ResolveAddress(ctx, handle)
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(address[2:])
	if err != nil || len(raw) != 20 {
		return "", WrapKeyError("resolve", handle.KeyID, fmt.Errorf("%w: cached address malformed", ErrMalformedPublicKey))
	}
	var addr [20]byte
	copy(addr[:], raw)
	return secp256k1.ChecksumAddress(addr), nil
}

// fetchPublicKey retrieves and decodes the key's DER-encoded public
// half. A payload that is not a 65-byte uncompressed secp256k1 point
// means the wrong key spec was provisioned and is fatal.
func (s *Signer) fetchPublicKey(ctx context.Context, handle KeyHandle) (*btcec.PublicKey, error) {
	der, err := s.svc.DescribePublicKey(ctx, handle)
	if err != nil {
		return nil, err
	}

	pubKey, err := secp256k1.PublicKeyFromSPKI(der)
	if err != nil {
		return nil, WrapKeyError("describe", handle.KeyID, fmt.Errorf("%w: %v", ErrMalformedPublicKey, err))
	}
	return pubKey, nil
}

// buildMetadata assembles a metadata record from the service's view of
// the key.
func (s *Signer) buildMetadata(ctx context.Context, handle KeyHandle, source string) (*KeyMetadata, error) {
	pubKey, err := s.fetchPublicKey(ctx, handle)
	if err != nil {
		return nil, err
	}

	return &KeyMetadata{
		KeyID:       handle.KeyID,
		ARN:         handle.ARN,
		Alias:       handle.Alias,
		PubKeyBytes: pubKey.SerializeUncompressed(),
		Address:     secp256k1.AddressHex(secp256k1.EthereumAddress(pubKey)),
		Algorithm:   AlgorithmSecp256k1,
		CreatedAt:   time.Now().UTC(),
		Source:      source,
	}, nil
}

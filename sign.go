package kmssigner

import (
	"context"
	"fmt"

	"github.com/GoodDollar/kms-signer/secp256k1"
)

// SignDigest produces a canonical recoverable Ethereum signature over a
// 32-byte digest. Hashing the transaction payload is the caller's
// responsibility.
//
// The raw DER signature from the service is decoded, s is rewritten to
// low-S form, and the recovery id is found by trying both candidates
// and recovering the public key; the signature is only returned once a
// candidate recovers the address resolved for the handle. Decoding and
// recovery are pure local computation; only the remote sign call is
// worth retrying on transient failure.
func (s *Signer) SignDigest(ctx context.Context, handle KeyHandle, digest []byte) (*EthereumSignature, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(digest))
	}

	address, err := s.ResolveAddress(ctx, handle)
	if err != nil {
		return nil, err
	}

	raw, err := s.svc.RequestSignature(ctx, handle, digest)
	if err != nil {
		return nil, err
	}

	r, scalarS, err := secp256k1.ParseDERSignature(raw)
	if err != nil {
		return nil, WrapKeyError("sign", handle.KeyID, fmt.Errorf("%w: %v", ErrMalformedSignature, err))
	}

	// Recovery must run against the canonical pair: flipping s also
	// flips which recovery id matches.
	secp256k1.Canonicalize(scalarS)

	for recoveryID := byte(0); recoveryID < 2; recoveryID++ {
		pubKey, err := secp256k1.Recover(digest, r, scalarS, recoveryID)
		if err != nil {
			continue
		}
		if secp256k1.AddressHex(secp256k1.EthereumAddress(pubKey)) != address {
			continue
		}

		sig := &EthereumSignature{V: 27 + recoveryID}
		r.PutBytesUnchecked(sig.R[:])
		scalarS.PutBytesUnchecked(sig.S[:])
		return sig, nil
	}

	// Neither candidate recovered the resolved address: the service
	// signed with a different key than it describes. Never return an
	// unverified guess.
	return nil, WrapKeyError("sign", handle.KeyID, fmt.Errorf("%w: expected %s", ErrSignatureRecoveryFailed, address))
}

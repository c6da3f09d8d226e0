// Package secp256k1 implements the binary decoding and curve arithmetic
// that turn raw key-service artifacts into Ethereum material: parsing
// DER-encoded public keys and ECDSA signatures, low-S canonicalization,
// recovery-id disambiguation and address derivation.
package secp256k1

import (
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// ASN.1 object identifiers for an EC SubjectPublicKeyInfo envelope.
var (
	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidCurveSecp256k1 = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier `asn1:"optional"`
}

type subjectPublicKeyInfo struct {
	Algorithm algorithmIdentifier
	PublicKey asn1.BitString
}

// ParsePrivateKey parses a hex-encoded secp256k1 private key, with or
// without a 0x prefix. The scalar must decode to exactly 32 bytes and
// lie strictly between 0 and the curve order. Error messages describe
// the violated constraint and never echo the key material.
func ParsePrivateKey(hexKey string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("key material is not valid hex")
	}
	defer Zero(raw)

	if len(raw) != 32 {
		return nil, fmt.Errorf("key material must be 32 bytes, got %d", len(raw))
	}

	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow {
		return nil, fmt.Errorf("key material is not below the curve order")
	}
	if scalar.IsZero() {
		return nil, fmt.Errorf("key material is zero")
	}

	privKey, _ := btcec.PrivKeyFromBytes(raw)
	return privKey, nil
}

// PublicKeyFromSPKI extracts an uncompressed secp256k1 point from a
// DER-encoded SubjectPublicKeyInfo structure. The BIT STRING payload
// must be exactly 65 bytes and begin with the 0x04 uncompressed-point
// marker; anything else means the key resource is not a secp256k1
// signing key.
func PublicKeyFromSPKI(der []byte) (*btcec.PublicKey, error) {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(der, &spki)
	if err != nil {
		return nil, fmt.Errorf("invalid SubjectPublicKeyInfo: %v", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing data after SubjectPublicKeyInfo")
	}
	if !spki.Algorithm.Algorithm.Equal(oidPublicKeyECDSA) {
		return nil, fmt.Errorf("not an EC public key (algorithm %v)", spki.Algorithm.Algorithm)
	}
	if !spki.Algorithm.Parameters.Equal(oidCurveSecp256k1) {
		return nil, fmt.Errorf("unexpected curve %v", spki.Algorithm.Parameters)
	}

	point := spki.PublicKey.Bytes
	if len(point) != 65 {
		return nil, fmt.Errorf("public key point must be 65 bytes, got %d", len(point))
	}
	if point[0] != 0x04 {
		return nil, fmt.Errorf("public key point is not uncompressed (prefix 0x%02x)", point[0])
	}

	pubKey, err := btcec.ParsePubKey(point)
	if err != nil {
		return nil, fmt.Errorf("point not on curve: %v", err)
	}
	return pubKey, nil
}

// ParseDERSignature extracts r and s from a DER-encoded ECDSA signature
// (SEQUENCE of two INTEGERs). DER's optional leading zero byte is
// stripped and each value is left-padded to 32 bytes before reduction.
func ParseDERSignature(der []byte) (r, s *btcec.ModNScalar, err error) {
	if len(der) < 8 || der[0] != 0x30 {
		return nil, nil, fmt.Errorf("not a DER sequence")
	}
	if int(der[1]) != len(der)-2 {
		return nil, nil, fmt.Errorf("sequence length mismatch")
	}

	rBytes, rest, err := readDERInteger(der[2:])
	if err != nil {
		return nil, nil, fmt.Errorf("r component: %w", err)
	}
	sBytes, rest, err := readDERInteger(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("s component: %w", err)
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("trailing data after signature")
	}

	r, err = scalarFromDERBytes(rBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("r component: %w", err)
	}
	s, err = scalarFromDERBytes(sBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("s component: %w", err)
	}
	return r, s, nil
}

// readDERInteger consumes one INTEGER from b and returns its content
// bytes and the remainder.
func readDERInteger(b []byte) (value, rest []byte, err error) {
	if len(b) < 2 || b[0] != 0x02 {
		return nil, nil, fmt.Errorf("expected INTEGER tag")
	}
	n := int(b[1])
	if n == 0 || n > len(b)-2 {
		return nil, nil, fmt.Errorf("invalid INTEGER length %d", n)
	}
	return b[2 : 2+n], b[2+n:], nil
}

// scalarFromDERBytes converts DER INTEGER content bytes to a scalar,
// stripping the sign-padding zero and left-padding to 32 bytes.
func scalarFromDERBytes(b []byte) (*btcec.ModNScalar, error) {
	if len(b) == 33 && b[0] == 0 {
		b = b[1:]
	}
	if len(b) > 32 {
		return nil, fmt.Errorf("integer exceeds 32 bytes")
	}

	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)

	scalar := new(btcec.ModNScalar)
	if overflow := scalar.SetByteSlice(padded); overflow {
		return nil, fmt.Errorf("integer exceeds the curve order")
	}
	if scalar.IsZero() {
		return nil, fmt.Errorf("integer is zero")
	}
	return scalar, nil
}

// Canonicalize rewrites s into low-S form and reports whether it was
// flipped. Ethereum rejects high-S signatures to rule out malleability;
// canonicalizing an already-canonical value is a no-op.
func Canonicalize(s *btcec.ModNScalar) bool {
	if s.IsOverHalfOrder() {
		s.Negate()
		return true
	}
	return false
}

// Recover returns the public key that produced (r, s) over digest for
// the given recovery id (0 or 1).
func Recover(digest []byte, r, s *btcec.ModNScalar, recoveryID byte) (*btcec.PublicKey, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}

	// RecoverCompact wants V first, offset by 27.
	compact := make([]byte, 65)
	compact[0] = 27 + recoveryID
	r.PutBytesUnchecked(compact[1:33])
	s.PutBytesUnchecked(compact[33:65])

	pubKey, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return nil, err
	}
	return pubKey, nil
}

// Keccak256 computes the legacy Keccak-256 digest used by Ethereum.
// This is not SHA3-256; the two differ in padding.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// EthereumAddress derives the 20-byte Ethereum address of a public key:
// Keccak256(X || Y)[12:], with the 0x04 point prefix stripped.
func EthereumAddress(pubKey *btcec.PublicKey) [20]byte {
	uncompressed := pubKey.SerializeUncompressed()
	hash := Keccak256(uncompressed[1:])

	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// AddressHex renders an address as a lowercase 0x-prefixed hex string.
func AddressHex(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// ChecksumAddress renders an address with EIP-55 mixed-case checksum
// encoding: a hex letter is uppercased when the corresponding nibble of
// the Keccak-256 hash of the lowercase address is 8 or above.
func ChecksumAddress(addr [20]byte) string {
	hexAddr := hex.EncodeToString(addr[:])
	hash := Keccak256([]byte(hexAddr))

	result := make([]byte, 40)
	for i := 0; i < 40; i++ {
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble = nibble >> 4
		} else {
			nibble = nibble & 0x0f
		}

		if nibble >= 8 && hexAddr[i] >= 'a' && hexAddr[i] <= 'f' {
			result[i] = hexAddr[i] - 32
		} else {
			result[i] = hexAddr[i]
		}
	}

	return "0x" + string(result)
}

// Zero wipes sensitive data from memory.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

package kmssigner

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	becdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKeyService is an in-process KeyService backed by btcec keys. It
// reproduces the remote contract: RSA-wrapped import with single-use
// expiring tokens, DER SubjectPublicKeyInfo public keys and DER ECDSA
// signatures.
type fakeKeyService struct {
	mu      sync.Mutex
	keys    map[string]*fakeKey
	aliases map[string]string
	pending map[string]*pendingImport

	// Behavior knobs
	paramTTL    time.Duration     // negative issues already-expired parameters
	highS       bool              // return the high-s root of every signature
	wrongSigner *btcec.PrivateKey // sign with this key instead of the handle's
	unavailable bool
	describeDER []byte // override DescribePublicKey output
	rawSig      []byte // override RequestSignature output

	// Call counters
	paramCalls    int
	describeCalls int
	signCalls     int
}

type fakeKey struct {
	privKey *btcec.PrivateKey
	arn     string
	alias   string
	tags    map[string]string
	validTo time.Time
	active  bool
}

type pendingImport struct {
	target KeyHandle
	rsaKey *rsa.PrivateKey
	expiry time.Time
	used   bool
}

var _ KeyService = (*fakeKeyService)(nil)

func newFakeKeyService() *fakeKeyService {
	return &fakeKeyService{
		keys:     make(map[string]*fakeKey),
		aliases:  make(map[string]string),
		pending:  make(map[string]*pendingImport),
		paramTTL: time.Hour,
	}
}

type spkiAlgorithm struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier
}

type spkiEnvelope struct {
	Algorithm spkiAlgorithm
	PublicKey asn1.BitString
}

var (
	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

func marshalSPKI(pubKey *btcec.PublicKey) ([]byte, error) {
	point := pubKey.SerializeUncompressed()
	return asn1.Marshal(spkiEnvelope{
		Algorithm: spkiAlgorithm{Algorithm: oidECPublicKey, Parameters: oidSecp256k1},
		PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	})
}

func (f *fakeKeyService) newHandle() KeyHandle {
	keyID := uuid.NewString()
	return KeyHandle{
		KeyID: keyID,
		ARN:   "arn:aws:kms:eu-west-1:000000000000:key/" + keyID,
	}
}

func (f *fakeKeyService) RequestImportParameters(ctx context.Context) (*ImportParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paramCalls++
	if f.unavailable {
		return nil, WrapKeyError("create", "", ErrServiceUnavailable)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	wrappingKey, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	if err != nil {
		return nil, err
	}

	target := f.newHandle()
	f.keys[target.KeyID] = &fakeKey{arn: target.ARN}

	token := []byte(uuid.NewString())
	expiry := time.Now().Add(f.paramTTL)
	f.pending[string(token)] = &pendingImport{target: target, rsaKey: rsaKey, expiry: expiry}

	return &ImportParameters{
		Target:            target,
		WrappingPublicKey: wrappingKey,
		ImportToken:       token,
		Expiry:            expiry,
	}, nil
}

func (f *fakeKeyService) SubmitImportMaterial(ctx context.Context, target KeyHandle, wrapped, token []byte, opts ImportOptions) (KeyHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return KeyHandle{}, WrapKeyError("import", target.KeyID, ErrServiceUnavailable)
	}

	p, ok := f.pending[string(token)]
	if !ok || p.used || p.target.KeyID != target.KeyID || time.Now().After(p.expiry) {
		return KeyHandle{}, WrapKeyError("import", target.KeyID, ErrImportTokenExpired)
	}
	p.used = true

	material, err := rsa.DecryptOAEP(sha256.New(), nil, p.rsaKey, wrapped, nil)
	if err != nil {
		return KeyHandle{}, WrapKeyError("import", target.KeyID, fmt.Errorf("unwrap: %w", err))
	}
	privKey, _ := btcec.PrivKeyFromBytes(material)

	key := f.keys[target.KeyID]
	handle := target
	if opts.Alias != "" {
		if owner, exists := f.aliases[opts.Alias]; exists && owner != target.KeyID {
			return KeyHandle{}, WrapKeyError("alias", target.KeyID, ErrAliasCollision)
		}
		f.aliases[opts.Alias] = target.KeyID
		key.alias = opts.Alias
		handle.Alias = opts.Alias
	}
	key.privKey = privKey
	key.tags = opts.Tags
	key.validTo = opts.ExpiresAt
	key.active = true
	return handle, nil
}

func (f *fakeKeyService) CreateSigningKey(ctx context.Context, opts ImportOptions) (KeyHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return KeyHandle{}, WrapKeyError("create", "", ErrServiceUnavailable)
	}

	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyHandle{}, err
	}

	handle := f.newHandle()
	key := &fakeKey{privKey: privKey, arn: handle.ARN, tags: opts.Tags, active: true}
	if opts.Alias != "" {
		if _, exists := f.aliases[opts.Alias]; exists {
			return KeyHandle{}, WrapKeyError("alias", handle.KeyID, ErrAliasCollision)
		}
		f.aliases[opts.Alias] = handle.KeyID
		key.alias = opts.Alias
		handle.Alias = opts.Alias
	}
	f.keys[handle.KeyID] = key
	return handle, nil
}

func (f *fakeKeyService) DescribePublicKey(ctx context.Context, handle KeyHandle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	if f.unavailable {
		return nil, WrapKeyError("describe", handle.KeyID, ErrServiceUnavailable)
	}
	if f.describeDER != nil {
		return f.describeDER, nil
	}

	key, ok := f.keys[handle.KeyID]
	if !ok || !key.active {
		return nil, WrapKeyError("describe", handle.KeyID, ErrKeyNotFound)
	}
	return marshalSPKI(key.privKey.PubKey())
}

func (f *fakeKeyService) RequestSignature(ctx context.Context, handle KeyHandle, digest []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signCalls++
	if f.unavailable {
		return nil, WrapKeyError("sign", handle.KeyID, ErrServiceUnavailable)
	}
	if f.rawSig != nil {
		return f.rawSig, nil
	}

	key, ok := f.keys[handle.KeyID]
	if !ok || !key.active {
		return nil, WrapKeyError("sign", handle.KeyID, ErrKeyNotFound)
	}

	signer := key.privKey
	if f.wrongSigner != nil {
		signer = f.wrongSigner
	}

	der := becdsa.Sign(signer, digest).Serialize()
	if f.highS {
		return flipToHighS(der)
	}
	return der, nil
}

func (f *fakeKeyService) ScheduleDeletion(ctx context.Context, handle KeyHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := f.keys[handle.KeyID]
	if !ok {
		return WrapKeyError("delete", handle.KeyID, ErrKeyNotFound)
	}
	if key.alias != "" {
		delete(f.aliases, key.alias)
	}
	delete(f.keys, handle.KeyID)
	return nil
}

func (f *fakeKeyService) activeKeys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, key := range f.keys {
		if key.active {
			n++
		}
	}
	return n
}

// flipToHighS rewrites a DER signature to carry the high-s root.
func flipToHighS(der []byte) ([]byte, error) {
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, err
	}
	sig.S = new(big.Int).Sub(btcec.S256().N, sig.S)
	return asn1.Marshal(sig)
}

func newTestSigner(t *testing.T, svc KeyService) *Signer {
	t.Helper()
	signer := NewWithService(svc, NewMemoryStore())
	t.Cleanup(func() { _ = signer.Close() })
	return signer
}

func mustImport(t *testing.T, signer *Signer, opts ImportOptions) (*btcec.PrivateKey, KeyHandle) {
	t.Helper()
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	handle, err := signer.ImportKey(context.Background(), hex.EncodeToString(privKey.Serialize()), opts)
	require.NoError(t, err)
	return privKey, handle
}

func TestImportKey_ResolvesReferenceAddress(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	privKey, handle := mustImport(t, signer, ImportOptions{Alias: "treasury"})
	require.False(t, handle.IsZero())
	assert.Equal(t, "treasury", handle.Alias)

	address, err := signer.ResolveAddress(context.Background(), handle)
	require.NoError(t, err)

	reference := ethcrypto.PubkeyToAddress(privKey.ToECDSA().PublicKey)
	assert.Equal(t, strings.ToLower(reference.Hex()), address)

	// The import already recorded the public half; resolving again must
	// not hit the service.
	assert.Equal(t, 1, fake.describeCalls)
}

func TestImportKey_ScalarOneWellKnownAddress(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	one := "0x" + strings.Repeat("0", 63) + "1"
	handle, err := signer.ImportKey(context.Background(), one, ImportOptions{})
	require.NoError(t, err)

	address, err := signer.ResolveAddress(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf", address)
}

func TestImportKey_InvalidMaterial(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	order := hex.EncodeToString(btcec.S256().N.FillBytes(make([]byte, 32)))
	tests := []struct {
		name string
		key  string
	}{
		{"not hex", "0xnot-a-key"},
		{"31 bytes", strings.Repeat("ab", 31)},
		{"33 bytes", strings.Repeat("ab", 33)},
		{"zero scalar", strings.Repeat("00", 32)},
		{"curve order", order},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := signer.ImportKey(context.Background(), tc.key, ImportOptions{})
			assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
		})
	}

	// Local validation failures never reach the service.
	assert.Equal(t, 0, fake.paramCalls)
}

func TestImportKey_AliasCollision(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	mustImport(t, signer, ImportOptions{Alias: "hot-wallet"})

	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = signer.ImportKey(context.Background(), hex.EncodeToString(otherKey.Serialize()), ImportOptions{Alias: "hot-wallet"})
	assert.ErrorIs(t, err, ErrAliasCollision)
}

func TestImportKey_AliasCollisionRemote(t *testing.T) {
	// Two signers with separate local stores sharing one service: the
	// second import must fail on the service's alias binding and leave
	// no usable key behind.
	fake := newFakeKeyService()
	first := newTestSigner(t, fake)
	second := newTestSigner(t, fake)

	mustImport(t, first, ImportOptions{Alias: "shared"})
	before := fake.activeKeys()

	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = second.ImportKey(context.Background(), hex.EncodeToString(otherKey.Serialize()), ImportOptions{Alias: "shared"})
	assert.ErrorIs(t, err, ErrAliasCollision)
	assert.Equal(t, before, fake.activeKeys())
}

func TestImportKey_ExpiredParameters(t *testing.T) {
	fake := newFakeKeyService()
	fake.paramTTL = -time.Minute
	signer := newTestSigner(t, fake)

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = signer.ImportKey(context.Background(), hex.EncodeToString(privKey.Serialize()), ImportOptions{})
	assert.ErrorIs(t, err, ErrImportTokenExpired)
	assert.Equal(t, 0, fake.activeKeys())
}

func TestImportKey_TokenSingleUse(t *testing.T) {
	fake := newFakeKeyService()
	ctx := context.Background()

	params, err := fake.RequestImportParameters(ctx)
	require.NoError(t, err)

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	wrapped, err := wrapKeyMaterial(params.WrappingPublicKey, privKey.Serialize())
	require.NoError(t, err)

	_, err = fake.SubmitImportMaterial(ctx, params.Target, wrapped, params.ImportToken, ImportOptions{})
	require.NoError(t, err)

	_, err = fake.SubmitImportMaterial(ctx, params.Target, wrapped, params.ImportToken, ImportOptions{})
	assert.ErrorIs(t, err, ErrImportTokenExpired)
}

func TestImportKey_TagsAndExpiration(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	validTo := time.Now().Add(365 * 24 * time.Hour).UTC()
	_, handle := mustImport(t, signer, ImportOptions{
		Alias:     "tagged",
		Tags:      map[string]string{"team": "payments", "env": "staging"},
		ExpiresAt: validTo,
	})

	fake.mu.Lock()
	key := fake.keys[handle.KeyID]
	fake.mu.Unlock()
	assert.Equal(t, "payments", key.tags["team"])
	assert.Equal(t, "staging", key.tags["env"])
	assert.Equal(t, validTo, key.validTo)
}

func TestCreateKey(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)
	ctx := context.Background()

	handle, err := signer.CreateKey(ctx, ImportOptions{Alias: "generated"})
	require.NoError(t, err)
	require.False(t, handle.IsZero())

	address, err := signer.ResolveAddress(ctx, handle)
	require.NoError(t, err)
	assert.Len(t, address, 42)
	assert.True(t, strings.HasPrefix(address, "0x"))

	digest := sha256.Sum256([]byte("from a generated key"))
	sig, err := signer.SignDigest(ctx, handle, digest[:])
	require.NoError(t, err)
	assertRecovers(t, digest[:], sig, address)
}

func TestDeleteKey(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)
	ctx := context.Background()

	_, handle := mustImport(t, signer, ImportOptions{Alias: "doomed"})
	require.NoError(t, signer.DeleteKey(ctx, handle))

	// Local metadata and the remote resource are both gone.
	_, err := signer.KeyByAlias("doomed")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = signer.ResolveAddress(ctx, handle)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyByAlias(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	_, handle := mustImport(t, signer, ImportOptions{Alias: "lookup"})

	found, err := signer.KeyByAlias("lookup")
	require.NoError(t, err)
	assert.Equal(t, handle.KeyID, found.KeyID)

	_, err = signer.KeyByAlias("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// assertRecovers verifies with go-ethereum that sig over digest
// recovers the expected lowercase address.
func assertRecovers(t *testing.T, digest []byte, sig *EthereumSignature, address string) {
	t.Helper()

	compact := make([]byte, 65)
	copy(compact[:32], sig.R[:])
	copy(compact[32:64], sig.S[:])
	compact[64] = sig.RecoveryID()

	pubKey, err := ethcrypto.SigToPub(digest, compact)
	require.NoError(t, err)
	assert.Equal(t, address, strings.ToLower(ethcrypto.PubkeyToAddress(*pubKey).Hex()))
}

func TestSignDigest_CanonicalAndRecoverable(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)
	ctx := context.Background()

	_, handle := mustImport(t, signer, ImportOptions{})
	address, err := signer.ResolveAddress(ctx, handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		digest := sha256.Sum256([]byte{byte(i)})

		sig, err := signer.SignDigest(ctx, handle, digest[:])
		require.NoError(t, err)

		assert.Contains(t, []byte{27, 28}, sig.V)

		var s btcec.ModNScalar
		s.SetByteSlice(sig.S[:])
		assert.False(t, s.IsOverHalfOrder(), "signature must be low-s")

		assertRecovers(t, digest[:], sig, address)
	}
}

func TestSignDigest_HighSRootIsCanonicalized(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)
	ctx := context.Background()

	_, handle := mustImport(t, signer, ImportOptions{})
	digest := sha256.Sum256([]byte("deterministic nonce, two roots"))

	low, err := signer.SignDigest(ctx, handle, digest[:])
	require.NoError(t, err)

	// Same digest, same deterministic nonce, but the service now hands
	// back the high-s root: canonicalization must flip s and the
	// recovery id so the final signature is bit-identical.
	fake.highS = true
	flipped, err := signer.SignDigest(ctx, handle, digest[:])
	require.NoError(t, err)

	assert.Equal(t, low, flipped)
}

func TestSignDigest_DigestLength(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	_, handle := mustImport(t, signer, ImportOptions{})
	fake.describeCalls = 0
	fake.signCalls = 0

	_, err := signer.SignDigest(context.Background(), handle, make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidDigest)

	// The precondition fails before any remote call.
	assert.Equal(t, 0, fake.describeCalls)
	assert.Equal(t, 0, fake.signCalls)
}

func TestSignDigest_RecoveryMismatch(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	_, handle := mustImport(t, signer, ImportOptions{})

	wrong, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	fake.wrongSigner = wrong

	digest := sha256.Sum256([]byte("signed by an impostor"))
	_, err = signer.SignDigest(context.Background(), handle, digest[:])
	assert.ErrorIs(t, err, ErrSignatureRecoveryFailed)
}

func TestSignDigest_MalformedSignature(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	_, handle := mustImport(t, signer, ImportOptions{})
	fake.rawSig = []byte{0x30, 0x02, 0xde, 0xad}

	digest := sha256.Sum256([]byte("garbage in"))
	_, err := signer.SignDigest(context.Background(), handle, digest[:])
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestResolveAddress_CachesPerHandle(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)
	ctx := context.Background()

	// Create the key directly on the service so the signer has no
	// local metadata yet.
	handle, err := fake.CreateSigningKey(ctx, ImportOptions{})
	require.NoError(t, err)

	first, err := signer.ResolveAddress(ctx, handle)
	require.NoError(t, err)
	second, err := signer.ResolveAddress(ctx, handle)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.describeCalls)
}

func TestResolveChecksumAddress(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	privKey, handle := mustImport(t, signer, ImportOptions{})

	checksummed, err := signer.ResolveChecksumAddress(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(privKey.ToECDSA().PublicKey).Hex(), checksummed)
}

func TestResolveAddress_MalformedPublicKey(t *testing.T) {
	fake := newFakeKeyService()
	ctx := context.Background()

	handle, err := fake.CreateSigningKey(ctx, ImportOptions{})
	require.NoError(t, err)

	compressed := func() []byte {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		point := fake.keys[handle.KeyID].privKey.PubKey().SerializeCompressed()
		der, err := asn1.Marshal(spkiEnvelope{
			Algorithm: spkiAlgorithm{Algorithm: oidECPublicKey, Parameters: oidSecp256k1},
			PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
		})
		require.NoError(t, err)
		return der
	}()

	tests := []struct {
		name string
		der  []byte
	}{
		{"compressed point", compressed},
		{"garbage", []byte{0xba, 0xad, 0xf0, 0x0d}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake.describeDER = tc.der
			signer := newTestSigner(t, fake)

			_, err := signer.ResolveAddress(ctx, handle)
			assert.ErrorIs(t, err, ErrMalformedPublicKey)
		})
	}
}

func TestResolveAddress_KeyNotFound(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	_, err := signer.ResolveAddress(context.Background(), KeyHandle{KeyID: uuid.NewString()})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestServiceUnavailable_IsRetryable(t *testing.T) {
	fake := newFakeKeyService()
	signer := newTestSigner(t, fake)

	_, handle := mustImport(t, signer, ImportOptions{})
	fake.unavailable = true

	digest := sha256.Sum256([]byte("try later"))
	_, err := signer.SignDigest(context.Background(), handle, digest[:])
	require.ErrorIs(t, err, ErrServiceUnavailable)
	assert.True(t, IsRetryable(err))

	assert.False(t, IsRetryable(ErrKeyNotFound))
	assert.False(t, IsRetryable(ErrSignatureRecoveryFailed))
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), Config{StorePath: "keys.json"})
	assert.ErrorIs(t, err, ErrMissingRegion)

	_, err = New(context.Background(), Config{Region: "eu-west-1"})
	assert.ErrorIs(t, err, ErrMissingStorePath)
}

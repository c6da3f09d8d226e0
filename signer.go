package kmssigner

import (
	"context"
	"fmt"
)

// Signer provisions Ethereum signing keys in a remote key-management
// service and produces canonical recoverable signatures with them. Key
// material never exists locally outside the import call itself.
type Signer struct {
	svc   KeyService
	store *KeyStore
}

// New creates a Signer backed by AWS KMS. It validates the
// configuration, builds the service client and opens the local
// metadata store.
func New(ctx context.Context, cfg Config) (*Signer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	svc, err := NewKMSService(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	store, err := NewKeyStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	return &Signer{svc: svc, store: store}, nil
}

// NewWithService creates a Signer over a custom KeyService
// implementation. A nil store gets an in-memory one.
func NewWithService(svc KeyService, store *KeyStore) *Signer {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Signer{svc: svc, store: store}
}

// CreateKey generates a new secp256k1 signing key inside the service
// and records its metadata locally.
func (s *Signer) CreateKey(ctx context.Context, opts ImportOptions) (KeyHandle, error) {
	if opts.Alias != "" && s.store.HasAlias(opts.Alias) {
		return KeyHandle{}, fmt.Errorf("%w: %s", ErrAliasCollision, opts.Alias)
	}

	handle, err := s.svc.CreateSigningKey(ctx, opts)
	if err != nil {
		return KeyHandle{}, err
	}

	meta, err := s.buildMetadata(ctx, handle, SourceGenerated)
	if err != nil {
		// Abandon the key rather than leave one we cannot describe.
		_ = s.svc.ScheduleDeletion(ctx, handle)
		return KeyHandle{}, err
	}
	if err := s.store.Save(meta); err != nil {
		_ = s.svc.ScheduleDeletion(ctx, handle)
		return KeyHandle{}, err
	}
	return handle, nil
}

// DeleteKey schedules remote deletion and drops local metadata.
func (s *Signer) DeleteKey(ctx context.Context, handle KeyHandle) error {
	if err := s.svc.ScheduleDeletion(ctx, handle); err != nil {
		return err
	}
	if s.store.Has(handle.KeyID) {
		return s.store.Delete(handle.KeyID)
	}
	return nil
}

// KeyByAlias returns the locally known handle bound to an alias.
// Callers wanting import idempotence check here before importing.
func (s *Signer) KeyByAlias(alias string) (KeyHandle, error) {
	meta, err := s.store.GetByAlias(alias)
	if err != nil {
		return KeyHandle{}, err
	}
	return meta.Handle(), nil
}

// Close releases resources and syncs pending store changes.
func (s *Signer) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

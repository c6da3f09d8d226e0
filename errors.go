package kmssigner

import (
	"errors"
	"fmt"
)

// Sentinel errors - Configuration
var (
	ErrMissingRegion    = errors.New("kmssigner: Region is required")
	ErrMissingStorePath = errors.New("kmssigner: StorePath is required")
)

// Sentinel errors - Input validation (local, never retried)
var (
	ErrInvalidKeyMaterial = errors.New("kmssigner: invalid key material")
	ErrInvalidDigest      = errors.New("kmssigner: digest must be 32 bytes")
)

// Sentinel errors - Keys
var (
	ErrKeyNotFound    = errors.New("kmssigner: key not found")
	ErrKeyExists      = errors.New("kmssigner: key already exists")
	ErrAliasCollision = errors.New("kmssigner: alias already bound to another key")
)

// Sentinel errors - Service
var (
	ErrImportTokenExpired = errors.New("kmssigner: import token expired or consumed")
	ErrServiceUnavailable = errors.New("kmssigner: key service unavailable")
)

// Sentinel errors - Cryptographic artifacts (fatal, indicate a
// misconfigured key type or a signing-key mismatch)
var (
	ErrMalformedPublicKey      = errors.New("kmssigner: malformed public key artifact")
	ErrMalformedSignature      = errors.New("kmssigner: malformed signature artifact")
	ErrSignatureRecoveryFailed = errors.New("kmssigner: signature does not recover to key address")
)

// Sentinel errors - Store
var (
	ErrStorePersist   = errors.New("kmssigner: failed to persist store")
	ErrStoreCorrupted = errors.New("kmssigner: store corrupted")
)

// KeyError wraps an error with key operation context.
type KeyError struct {
	KeyID string
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	return fmt.Sprintf("%s key %q: %v", e.Op, e.KeyID, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *KeyError) Unwrap() error {
	return e.Err
}

// WrapKeyError wraps an error with key operation context.
// Returns nil if the provided error is nil.
func WrapKeyError(op, keyID string, err error) error {
	if err == nil {
		return nil
	}
	return &KeyError{
		KeyID: keyID,
		Op:    op,
		Err:   err,
	}
}

// ValidationError reports a violated input constraint. It carries the
// shape of the offending value, never the value itself.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError with the given field and message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsRetryable reports whether the failure is transient and the whole
// operation may be retried. Consumed import tokens are never retryable;
// a fresh handshake is required instead.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

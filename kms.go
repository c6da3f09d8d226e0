package kmssigner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
)

// KMSService implements KeyService against AWS KMS.
type KMSService struct {
	client *kms.Client
}

// Verify interface compliance
var _ KeyService = (*KMSService)(nil)

// NewKMSService creates a KeyService backed by AWS KMS. Credentials are
// resolved through the default AWS chain unless static credentials are
// set in the configuration.
func NewKMSService(ctx context.Context, cfg Config) (*KMSService, error) {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(provider)))
	}
	if cfg.HTTPTimeout > 0 {
		optFns = append(optFns, awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &KMSService{client: client}, nil
}

// RequestImportParameters provisions a pending external-origin key and
// fetches its RSA wrapping key and single-use import token.
func (s *KMSService) RequestImportParameters(ctx context.Context) (*ImportParameters, error) {
	created, err := s.client.CreateKey(ctx, &kms.CreateKeyInput{
		KeySpec:  kmstypes.KeySpecEccSecgP256k1,
		KeyUsage: kmstypes.KeyUsageTypeSignVerify,
		Origin:   kmstypes.OriginTypeExternal,
	})
	if err != nil {
		return nil, translateKMSError("create", "", err)
	}

	target := KeyHandle{
		KeyID: aws.ToString(created.KeyMetadata.KeyId),
		ARN:   aws.ToString(created.KeyMetadata.Arn),
	}

	params, err := s.client.GetParametersForImport(ctx, &kms.GetParametersForImportInput{
		KeyId:             aws.String(target.KeyID),
		WrappingAlgorithm: kmstypes.AlgorithmSpecRsaesOaepSha256,
		WrappingKeySpec:   kmstypes.WrappingKeySpecRsa2048,
	})
	if err != nil {
		return nil, translateKMSError("import-parameters", target.KeyID, err)
	}

	return &ImportParameters{
		Target:            target,
		WrappingPublicKey: params.PublicKey,
		ImportToken:       params.ImportToken,
		Expiry:            aws.ToTime(params.ParametersValidTo),
	}, nil
}

// SubmitImportMaterial uploads wrapped key material to the pending key
// and binds the requested alias and tags.
func (s *KMSService) SubmitImportMaterial(ctx context.Context, target KeyHandle, wrapped, token []byte, opts ImportOptions) (KeyHandle, error) {
	input := &kms.ImportKeyMaterialInput{
		KeyId:                aws.String(target.KeyID),
		EncryptedKeyMaterial: wrapped,
		ImportToken:          token,
		ExpirationModel:      kmstypes.ExpirationModelTypeKeyMaterialDoesNotExpire,
	}
	if !opts.ExpiresAt.IsZero() {
		input.ExpirationModel = kmstypes.ExpirationModelTypeKeyMaterialExpires
		input.ValidTo = aws.Time(opts.ExpiresAt)
	}
	if _, err := s.client.ImportKeyMaterial(ctx, input); err != nil {
		return KeyHandle{}, translateKMSError("import", target.KeyID, err)
	}

	handle := target
	if opts.Alias != "" {
		if err := s.createAlias(ctx, target.KeyID, opts.Alias); err != nil {
			return KeyHandle{}, err
		}
		handle.Alias = opts.Alias
	}
	if len(opts.Tags) > 0 {
		if _, err := s.client.TagResource(ctx, &kms.TagResourceInput{
			KeyId: aws.String(target.KeyID),
			Tags:  toKMSTags(opts.Tags),
		}); err != nil {
			return KeyHandle{}, translateKMSError("tag", target.KeyID, err)
		}
	}
	if opts.Description != "" {
		if _, err := s.client.UpdateKeyDescription(ctx, &kms.UpdateKeyDescriptionInput{
			KeyId:       aws.String(target.KeyID),
			Description: aws.String(opts.Description),
		}); err != nil {
			return KeyHandle{}, translateKMSError("describe-update", target.KeyID, err)
		}
	}
	return handle, nil
}

// CreateSigningKey generates a new secp256k1 signing key inside KMS.
func (s *KMSService) CreateSigningKey(ctx context.Context, opts ImportOptions) (KeyHandle, error) {
	input := &kms.CreateKeyInput{
		KeySpec:  kmstypes.KeySpecEccSecgP256k1,
		KeyUsage: kmstypes.KeyUsageTypeSignVerify,
	}
	if opts.Description != "" {
		input.Description = aws.String(opts.Description)
	}
	if len(opts.Tags) > 0 {
		input.Tags = toKMSTags(opts.Tags)
	}

	created, err := s.client.CreateKey(ctx, input)
	if err != nil {
		return KeyHandle{}, translateKMSError("create", "", err)
	}

	handle := KeyHandle{
		KeyID: aws.ToString(created.KeyMetadata.KeyId),
		ARN:   aws.ToString(created.KeyMetadata.Arn),
	}
	if opts.Alias != "" {
		if err := s.createAlias(ctx, handle.KeyID, opts.Alias); err != nil {
			return KeyHandle{}, err
		}
		handle.Alias = opts.Alias
	}
	return handle, nil
}

// DescribePublicKey returns the key's DER-encoded SubjectPublicKeyInfo.
func (s *KMSService) DescribePublicKey(ctx context.Context, handle KeyHandle) ([]byte, error) {
	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(handle.KeyID),
	})
	if err != nil {
		return nil, translateKMSError("describe", handle.KeyID, err)
	}
	return out.PublicKey, nil
}

// RequestSignature signs a prehashed 32-byte digest with ECDSA_SHA_256
// and returns the DER-encoded signature.
func (s *KMSService) RequestSignature(ctx context.Context, handle KeyHandle, digest []byte) ([]byte, error) {
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(handle.KeyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, translateKMSError("sign", handle.KeyID, err)
	}
	return out.Signature, nil
}

// ScheduleDeletion marks the key for deletion after the minimum pending
// window. Also used to abandon half-imported keys so a failed handshake
// leaves no usable resource.
func (s *KMSService) ScheduleDeletion(ctx context.Context, handle KeyHandle) error {
	_, err := s.client.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(handle.KeyID),
		PendingWindowInDays: aws.Int32(DefaultDeletionWindowDays),
	})
	return translateKMSError("delete", handle.KeyID, err)
}

func (s *KMSService) createAlias(ctx context.Context, keyID, alias string) error {
	_, err := s.client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(aliasName(alias)),
		TargetKeyId: aws.String(keyID),
	})
	return translateKMSError("alias", keyID, err)
}

// aliasName qualifies an alias with the namespace KMS requires.
func aliasName(alias string) string {
	if strings.HasPrefix(alias, "alias/") {
		return alias
	}
	return "alias/" + alias
}

func toKMSTags(tags map[string]string) []kmstypes.Tag {
	out := make([]kmstypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, kmstypes.Tag{
			TagKey:   aws.String(k),
			TagValue: aws.String(v),
		})
	}
	return out
}

// translateKMSError maps typed AWS KMS failures onto the package's
// sentinel errors and attaches key operation context. Disabled and
// pending-import keys surface as not found: callers must treat an
// incomplete import as a nonexistent key.
func translateKMSError(op, keyID string, err error) error {
	if err == nil {
		return nil
	}

	var (
		notFound     *kmstypes.NotFoundException
		expiredTok   *kmstypes.ExpiredImportTokenException
		invalidTok   *kmstypes.InvalidImportTokenException
		exists       *kmstypes.AlreadyExistsException
		disabled     *kmstypes.DisabledException
		invalidState *kmstypes.KMSInvalidStateException
		internal     *kmstypes.KMSInternalException
		unavailable  *kmstypes.KeyUnavailableException
		timeout      *kmstypes.DependencyTimeoutException
	)
	switch {
	case errors.As(err, &notFound):
		err = fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	case errors.As(err, &expiredTok), errors.As(err, &invalidTok):
		err = fmt.Errorf("%w: %v", ErrImportTokenExpired, err)
	case errors.As(err, &exists):
		err = fmt.Errorf("%w: %v", ErrAliasCollision, err)
	case errors.As(err, &disabled), errors.As(err, &invalidState):
		err = fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	case errors.As(err, &internal), errors.As(err, &unavailable), errors.As(err, &timeout):
		err = fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	default:
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer {
			err = fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
	}
	return WrapKeyError(op, keyID, err)
}

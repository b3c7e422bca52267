package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretsProvider is a provider for AWS Secrets Manager.
// Keys in form "secret-id#field" pick a field of a json secret, like the ones managed by RDS.
type AWSSecretsProvider struct {
	client secretsmanagerClient
}

type secretsmanagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewAWSSecretsProvider creates a new instance of AWSSecretsProvider.
// Empty access key falls back to the default aws credentials chain.
func NewAWSSecretsProvider(accessKeyID, secretAccessKey, region string) (*AWSSecretsProvider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating aws config: %w", err)
	}
	return &AWSSecretsProvider{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Get gets a secret from AWS Secrets Manager
func (p *AWSSecretsProvider) Get(key string) (string, error) {
	id, field, hasField := strings.Cut(key, "#")
	input := &secretsmanager.GetSecretValueInput{SecretId: &id}
	result, err := p.client.GetSecretValue(context.Background(), input)
	if err != nil {
		return "", fmt.Errorf("error reading aws secret for %q: %w", id, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("aws secret %q has no string value", id)
	}
	if !hasField {
		return *result.SecretString, nil
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(*result.SecretString), &fields); err != nil {
		return "", fmt.Errorf("aws secret %q is not a json object: %w", id, err)
	}
	val, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("field %s of aws secret %q: %w", field, id, ErrNotFound)
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", val), nil
}

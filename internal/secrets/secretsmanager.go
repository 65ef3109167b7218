// Package secrets implements the SecretProvider contract on top of AWS
// Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/propsync/propsync/internal/config"
	"github.com/propsync/propsync/internal/logging"
)

// Client is the subset of the Secrets Manager API the provider uses.
// Tests substitute a fake.
type Client interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Manager retrieves secret values from AWS Secrets Manager. The client is
// created lazily so that configuration errors surface on first use, not at
// construction.
type Manager struct {
	cfg    config.SecretSource
	client Client
	log    *logging.Logger
}

func NewManager(cfg config.SecretSource, log *logging.Logger) *Manager {
	return &Manager{cfg: cfg, log: log}
}

// WithClient overrides the Secrets Manager client. Intended for tests.
func (m *Manager) WithClient(client Client) *Manager {
	m.client = client
	return m
}

// Fetch retrieves the secret named name and returns it as a plain string.
// When the stored value is a JSON object and jsonKey is non-empty, the
// string form of that key's value is returned; a missing key or non-JSON
// value falls back to the raw string with a warning. Binary-only secrets
// are an error.
func (m *Manager) Fetch(ctx context.Context, name, jsonKey string) (string, error) {
	client, err := m.init(ctx)
	if err != nil {
		return "", err
	}

	m.log.Debugf("Fetching secret %q from AWS Secrets Manager", name)

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: awssdk.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", name, err)
	}

	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q is binary, expected string", name)
	}

	value := *out.SecretString

	if jsonKey != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			m.log.Warnf("Secret %q is not a JSON object, returning raw string", name)
			return value, nil
		}

		v, ok := parsed[jsonKey]
		if !ok {
			m.log.Warnf("Key %q not found in secret %q, returning raw string", jsonKey, name)
			return value, nil
		}

		m.log.Debugf("Extracted key %q from secret %q", jsonKey, name)
		return stringify(v), nil
	}

	return value, nil
}

func (m *Manager) init(ctx context.Context) (Client, error) {
	if m.client != nil {
		return m.client, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if m.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(m.cfg.Region))
	}
	if m.cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(m.cfg.Profile))
	}

	if m.cfg.Credentials != nil {
		value, err := m.cfg.Credentials.Resolve()
		if err != nil {
			return nil, err
		}

		aws, ok := value.(config.SecretAWS)
		if !ok {
			return nil, fmt.Errorf("unsupported secret type %T for AWS credentials", value)
		}

		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(aws.AccessKeyID, aws.SecretAccessKey, aws.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	if awsCfg.Region == "" {
		return nil, errors.New("AWS region is not configured")
	}

	m.client = secretsmanager.NewFromConfig(awsCfg)
	return m.client, nil
}

func stringify(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

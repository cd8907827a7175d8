package blockchain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/ethereum/go-ethereum/crypto"
)

// SecretsAPI is the Secrets Manager call used to fetch the signing key.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient builds a Secrets Manager client from the default AWS credential chain.
func NewSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// LoadPrivateKey returns the payout signing key. A hex key given directly wins; otherwise the key
// is read from the secret secretID, stored either as bare hex or as {"privateKey": "..."}.
func LoadPrivateKey(ctx context.Context, hexKey, secretID string, secrets SecretsAPI) (*ecdsa.PrivateKey, error) {
	if hexKey != "" {
		return ParsePrivateKey(hexKey)
	}
	if secretID == "" {
		return nil, errors.New("no payout key configured")
	}
	if secrets == nil {
		return nil, errors.New("secrets client is required to load the payout key")
	}

	out, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", secretID, err)
	}
	value := strings.TrimSpace(aws.ToString(out.SecretString))
	if value == "" {
		return nil, fmt.Errorf("secret %s is empty", secretID)
	}
	if strings.HasPrefix(value, "{") {
		var doc struct {
			PrivateKey string `json:"privateKey"`
		}
		if err := json.Unmarshal([]byte(value), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode secret %s: %w", secretID, err)
		}
		value = doc.PrivateKey
	}
	return ParsePrivateKey(value)
}

func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

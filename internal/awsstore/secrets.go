package awsstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"querycheck/internal/domain"
)

// SecretsManagerProvider reads target credentials from a JSON secret.
type SecretsManagerProvider struct {
	client SecretsManagerAPI
}

// NewSecretsManagerProvider creates a SecretsManagerProvider.
func NewSecretsManagerProvider(client SecretsManagerAPI) *SecretsManagerProvider {
	return &SecretsManagerProvider{client: client}
}

// GetCredentials fetches and decodes secretID.
func (p *SecretsManagerProvider) GetCredentials(ctx context.Context, secretID string) (*domain.Credentials, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return nil, domain.ErrValidation("secret %s has no string value", secretID)
	}

	var creds domain.Credentials
	if err := json.Unmarshal([]byte(*out.SecretString), &creds); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", secretID, err)
	}
	if creds.Username == "" {
		return nil, domain.ErrValidation("secret %s has no username", secretID)
	}
	return &creds, nil
}

var _ domain.SecretsProvider = (*SecretsManagerProvider)(nil)

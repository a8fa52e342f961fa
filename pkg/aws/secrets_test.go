package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestGetSecretMap(t *testing.T) {
	sg := staticSecrets{
		"webhooks/DB_CREDENTIALS": `{"POSTGRES_USER":"svc"}`,
		"webhooks/BROKEN":         `whsec_plain`,
	}

	m, err := GetSecretMap(context.Background(), sg, "webhooks/DB_CREDENTIALS")
	require.NoError(t, err)
	assert.Equal(t, "svc", m["POSTGRES_USER"])

	_, err = GetSecretMap(context.Background(), sg, "webhooks/BROKEN")
	assert.ErrorContains(t, err, "not a JSON object")

	_, err = GetSecretMap(context.Background(), sg, "webhooks/MISSING")
	assert.Error(t, err)
}

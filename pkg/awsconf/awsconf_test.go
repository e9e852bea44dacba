package awsconf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesStaticCredentialsAndEndpoint(t *testing.T) {
	cfg, err := Load(context.Background(), Options{
		Region:          "eu-central-1",
		Endpoint:        "http://localhost:4566",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	require.Equal(t, "eu-central-1", cfg.Region)
	require.NotNil(t, cfg.BaseEndpoint)
	require.Equal(t, "http://localhost:4566", *cfg.BaseEndpoint)

	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	require.Equal(t, "secret", creds.SecretAccessKey)
}

func TestLoadWithoutEndpointLeavesDefault(t *testing.T) {
	cfg, err := Load(context.Background(), Options{Region: "us-east-1", AccessKeyID: "a", SecretAccessKey: "b"})
	require.NoError(t, err)
	require.Nil(t, cfg.BaseEndpoint)
}

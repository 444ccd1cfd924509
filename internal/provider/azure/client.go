package azure

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
)

// clientConfig is the subset of a descriptor needed to reach a container.
type clientConfig struct {
	Account      string
	Container    string
	Endpoint     string
	SASToken     string
	TenantID     string
	ClientID     string
	ClientSecret string
}

func configFromDescriptor(d provider.Descriptor) (clientConfig, error) {
	c := clientConfig{
		Account:      d.Credential("account", d.Setting("account", "")),
		Container:    d.Setting("container", d.Credential("container", "")),
		Endpoint:     d.Setting("endpoint", os.Getenv("AZURE_BLOB_ENDPOINT")),
		SASToken:     d.Credential("sas_token", ""),
		TenantID:     d.Credential("tenant_id", ""),
		ClientID:     d.Credential("client_id", ""),
		ClientSecret: d.Credential("client_secret", ""),
	}
	if c.Container == "" {
		return clientConfig{}, errors.New("azure: container is required")
	}
	if c.Endpoint == "" {
		if c.Account == "" {
			return clientConfig{}, errors.New("azure: account or endpoint is required")
		}
		c.Endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
	}
	if !strings.HasSuffix(c.Endpoint, "/") {
		c.Endpoint += "/"
	}
	return c, nil
}

// authMode names the credential newClient picked.
type authMode string

const (
	authSAS              authMode = "sas"
	authServicePrincipal authMode = "service_principal"
	authDefault          authMode = "default"
)

// Build client from descriptor credentials.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
// SDK retries are disabled; calls go through retry.Do instead.
func newClient(c clientConfig) (*azblob.Client, authMode, error) {
	opts := &azblob.ClientOptions{ClientOptions: policy.ClientOptions{
		Retry: policy.RetryOptions{MaxRetries: -1},
	}}

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(c.Endpoint+"?"+sas, opts)
		return cl, authSAS, err
	}

	// 2) Service Principal
	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, "", err
		}
		cl, err := azblob.NewClient(c.Endpoint, cred, opts)
		return cl, authServicePrincipal, err
	}

	// 3) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, "", err
	}
	cl, err := azblob.NewClient(c.Endpoint, defCred, opts)
	return cl, authDefault, err
}

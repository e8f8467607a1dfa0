package azure

import (
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/provider"
)

// Build client from config. Priority:
// 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClientFromConfig(c config.Config) (*azblob.Client, string, error) {
	endpoint := c.Azure.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Azure.Account)
	}

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.Azure.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
		return cl, endpoint, err
	}

	// 2) Service Principal
	if c.Azure.ClientID != "" && c.Azure.ClientSecret != "" && c.Azure.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(
			c.Azure.TenantID, c.Azure.ClientID, c.Azure.ClientSecret, nil,
		)
		if err != nil {
			return nil, "", fmt.Errorf("azure service principal credential: %w", err)
		}
		cl, err := azblob.NewClient(endpoint, cred, nil)
		return cl, endpoint, err
	}

	// 3) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, "", fmt.Errorf("azure default credential: %w", err)
	}
	cl, err := azblob.NewClient(endpoint, defCred, nil)
	return cl, endpoint, err
}

func init() {
	provider.Register(provider.Azure, func(c config.Config) (provider.Provider, error) {
		client, endpoint, err := newClientFromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("azure client: %w", err)
		}
		return &Provider{
			client:    client,
			endpoint:  endpoint,
			account:   c.Azure.Account,
			container: c.Azure.Container,
			prefix:    c.Azure.Prefix,
		}, nil
	})
}

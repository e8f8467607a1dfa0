package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// envTemplate documents every variable imgbak reads. Values mirror the
// built-in defaults; commented lines are optional.
const envTemplate = `# imgbak configuration.
# Loaded from ./.env at startup; real environment variables take precedence.

# General
IMGBAK_OUTPUT=./backup
#IMGBAK_MANIFEST=          # default: ~/.imgbak/manifest.db
IMGBAK_CONCURRENCY=5
IMGBAK_TASK_TIMEOUT=30s
IMGBAK_SKIP_EXISTING=true

# Logging
#LOG_LEVEL=info            # trace|debug|info|warn|error
#LOG_FORMAT=console        # console|json

# Retry and backoff
#RETRY_MAX_ATTEMPTS=3
#RETRY_INITIAL_DELAY=500ms
#RETRY_MAX_DELAY=10s
#RETRY_MULTIPLIER=2.0
#RETRY_JITTER=true

# Aliyun OSS
OSS_ENABLED=false
OSS_ACCESS_KEY_ID=
OSS_ACCESS_KEY_SECRET=
OSS_ENDPOINT=oss-cn-hangzhou.aliyuncs.com
OSS_BUCKET=
#OSS_PREFIX=

# Tencent COS
COS_ENABLED=false
COS_SECRET_ID=
COS_SECRET_KEY=
COS_REGION=ap-guangzhou
COS_BUCKET=                # bucket name with appid suffix, e.g. images-1250000000
#COS_PREFIX=

# Azure Blob Storage
AZURE_ENABLED=false
AZURE_STORAGE_ACCOUNT=
AZURE_STORAGE_CONTAINER=
#AZURE_STORAGE_SAS=        # SAS token; leave empty to use a service principal
#AZURE_CLIENT_ID=          # service principal, with AZURE_CLIENT_SECRET and
#AZURE_CLIENT_SECRET=      # AZURE_TENANT_ID; otherwise DefaultAzureCredential
#AZURE_TENANT_ID=
#AZURE_PREFIX=
#AZURE_BLOB_ENDPOINT=      # override for Azurite / sovereign clouds

# SM.MS
SMMS_ENABLED=false
SMMS_API_TOKEN=

# Imgur
IMGUR_ENABLED=false
IMGUR_CLIENT_ID=
#IMGUR_ACCESS_TOKEN=       # account token; required for list and delete

# GitHub repository
GITHUB_ENABLED=false
GITHUB_TOKEN=
GITHUB_OWNER=
GITHUB_REPO=
#GITHUB_PATH=              # subtree to mirror; empty means the whole repo
#GITHUB_BRANCH=            # empty means the default branch
`

func initAction(c *cli.Context) error {
	path := c.String("path")
	if !c.Bool("force") {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.WriteFile(path, []byte(envTemplate), 0o600); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	fmt.Printf("wrote %s; fill in credentials and set <PROVIDER>_ENABLED=true\n", path)
	return nil
}

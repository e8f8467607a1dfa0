package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/imgbak/imgbak/internal/retry"
)

// Config carries everything the orchestrator, scheduler and providers need.
// It is loaded once in main and passed down explicitly; nothing reads the
// environment after Load returns.
type Config struct {
	// OutputDir is the backup destination root; each provider gets a
	// subdirectory under it.
	OutputDir string
	// ManifestPath is the SQLite manifest location.
	ManifestPath string

	// Concurrency is the transfer worker pool width.
	Concurrency int
	// TaskTimeout bounds a single transfer attempt.
	TaskTimeout time.Duration
	// SkipExisting skips objects whose manifest record is already current.
	SkipExisting bool

	OSS    OSSConfig
	COS    COSConfig
	Azure  AzureConfig
	SMMS   SMMSConfig
	Imgur  ImgurConfig
	GitHub GitHubConfig

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

// OSSConfig configures the Aliyun OSS backend (S3-compatible endpoint).
type OSSConfig struct {
	Enabled         bool
	AccessKeyID     string
	AccessKeySecret string
	Endpoint        string // e.g. oss-cn-hangzhou.aliyuncs.com
	Bucket          string
	Prefix          string
}

// COSConfig configures the Tencent COS backend (S3-compatible API).
type COSConfig struct {
	Enabled   bool
	SecretID  string
	SecretKey string
	Region    string // e.g. ap-guangzhou
	Bucket    string // includes the appid suffix, e.g. images-1250000000
	Prefix    string
}

// AzureConfig configures the Azure Blob backend.
type AzureConfig struct {
	Enabled   bool
	Account   string
	Container string
	SASToken  string
	Prefix    string
	// Endpoint overrides the public blob endpoint, for Azurite and
	// sovereign clouds. Empty means https://<account>.blob.core.windows.net/.
	Endpoint string

	ClientID     string
	ClientSecret string
	TenantID     string
}

// SMMSConfig configures the SM.MS image host.
type SMMSConfig struct {
	Enabled  bool
	APIToken string
}

// ImgurConfig configures the Imgur image host. With only a client ID the
// instance can push anonymously; listing and deleting need an account token.
type ImgurConfig struct {
	Enabled     bool
	ClientID    string
	AccessToken string
}

// GitHubConfig configures a repository used as an image store. Without a
// token the instance is read-only against public repositories.
type GitHubConfig struct {
	Enabled bool
	Token   string
	Owner   string
	Repo    string
	Path    string // subtree to mirror; empty means the whole repo
	Branch  string // empty means the default branch
}

// Load reads config from environment variables, applies defaults and
// validates every enabled provider section.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	cfg := Config{
		OutputDir:    get("IMGBAK_OUTPUT", "./backup"),
		ManifestPath: get("IMGBAK_MANIFEST", defaultManifestPath()),

		Concurrency:  parseInt("IMGBAK_CONCURRENCY", 5),
		TaskTimeout:  parseDur("IMGBAK_TASK_TIMEOUT", 30*time.Second),
		SkipExisting: parseBool("IMGBAK_SKIP_EXISTING", true),

		OSS: OSSConfig{
			Enabled:         parseBool("OSS_ENABLED", false),
			AccessKeyID:     get("OSS_ACCESS_KEY_ID", ""),
			AccessKeySecret: get("OSS_ACCESS_KEY_SECRET", ""),
			Endpoint:        get("OSS_ENDPOINT", ""),
			Bucket:          get("OSS_BUCKET", ""),
			Prefix:          get("OSS_PREFIX", ""),
		},
		COS: COSConfig{
			Enabled:   parseBool("COS_ENABLED", false),
			SecretID:  get("COS_SECRET_ID", ""),
			SecretKey: get("COS_SECRET_KEY", ""),
			Region:    get("COS_REGION", ""),
			Bucket:    get("COS_BUCKET", ""),
			Prefix:    get("COS_PREFIX", ""),
		},
		Azure: AzureConfig{
			Enabled:      parseBool("AZURE_ENABLED", false),
			Account:      get("AZURE_STORAGE_ACCOUNT", ""),
			Container:    get("AZURE_STORAGE_CONTAINER", ""),
			SASToken:     get("AZURE_STORAGE_SAS", ""),
			Prefix:       get("AZURE_PREFIX", ""),
			Endpoint:     get("AZURE_BLOB_ENDPOINT", ""),
			ClientID:     get("AZURE_CLIENT_ID", ""),
			ClientSecret: get("AZURE_CLIENT_SECRET", ""),
			TenantID:     get("AZURE_TENANT_ID", ""),
		},
		SMMS: SMMSConfig{
			Enabled:  parseBool("SMMS_ENABLED", false),
			APIToken: get("SMMS_API_TOKEN", ""),
		},
		Imgur: ImgurConfig{
			Enabled:     parseBool("IMGUR_ENABLED", false),
			ClientID:    get("IMGUR_CLIENT_ID", ""),
			AccessToken: get("IMGUR_ACCESS_TOKEN", ""),
		},
		GitHub: GitHubConfig{
			Enabled: parseBool("GITHUB_ENABLED", false),
			Token:   get("GITHUB_TOKEN", ""),
			Owner:   get("GITHUB_OWNER", ""),
			Repo:    get("GITHUB_REPO", ""),
			Path:    get("GITHUB_PATH", ""),
			Branch:  get("GITHUB_BRANCH", ""),
		},

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks required fields of every enabled provider section so
// credential problems surface before any network call.
func (c *Config) validate() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("IMGBAK_OUTPUT must not be empty")
	}
	if strings.TrimSpace(c.ManifestPath) == "" {
		return errors.New("IMGBAK_MANIFEST must not be empty")
	}

	if c.OSS.Enabled {
		if c.OSS.AccessKeyID == "" || c.OSS.AccessKeySecret == "" {
			return errors.New("oss: OSS_ACCESS_KEY_ID and OSS_ACCESS_KEY_SECRET are required")
		}
		if c.OSS.Endpoint == "" || c.OSS.Bucket == "" {
			return errors.New("oss: OSS_ENDPOINT and OSS_BUCKET are required")
		}
	}
	if c.COS.Enabled {
		if c.COS.SecretID == "" || c.COS.SecretKey == "" {
			return errors.New("cos: COS_SECRET_ID and COS_SECRET_KEY are required")
		}
		if c.COS.Region == "" || c.COS.Bucket == "" {
			return errors.New("cos: COS_REGION and COS_BUCKET are required")
		}
	}
	if c.Azure.Enabled {
		if c.Azure.Account == "" || c.Azure.Container == "" {
			return errors.New("azure: AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER are required")
		}
		// SAS, service principal, or default credential all work; nothing
		// further to require here.
	}
	if c.SMMS.Enabled && c.SMMS.APIToken == "" {
		return errors.New("smms: SMMS_API_TOKEN is required")
	}
	if c.Imgur.Enabled && c.Imgur.ClientID == "" && c.Imgur.AccessToken == "" {
		return errors.New("imgur: IMGUR_CLIENT_ID or IMGUR_ACCESS_TOKEN is required")
	}
	if c.GitHub.Enabled {
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return errors.New("github: GITHUB_OWNER and GITHUB_REPO are required")
		}
	}
	return nil
}

// Enabled returns the names of enabled provider sections in canonical order.
func (c Config) Enabled() []string {
	var out []string
	for _, name := range []string{"oss", "cos", "azure", "smms", "imgur", "github"} {
		if c.ProviderEnabled(name) {
			out = append(out, name)
		}
	}
	return out
}

// ProviderEnabled reports whether the named section is enabled.
func (c Config) ProviderEnabled(name string) bool {
	switch name {
	case "oss":
		return c.OSS.Enabled
	case "cos":
		return c.COS.Enabled
	case "azure":
		return c.Azure.Enabled
	case "smms":
		return c.SMMS.Enabled
	case "imgur":
		return c.Imgur.Enabled
	case "github":
		return c.GitHub.Enabled
	}
	return false
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}

func defaultManifestPath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".imgbak", "manifest.db")
	}
	return "imgbak-manifest.db"
}

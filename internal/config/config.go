package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"slackmcp/pkg/logging"
)

// StorageKind selects the storage backend implementation.
type StorageKind string

const (
	// StorageMemory keeps records in process memory only.
	StorageMemory StorageKind = "memory"
	// StorageFile mirrors the in-memory map to a JSONL file for restart recovery.
	StorageFile StorageKind = "file"
	// StorageDynamoDB persists records in a DynamoDB table with server-side TTL.
	StorageDynamoDB StorageKind = "dynamodb"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultTokenFile = "slack_tokens.jsonl"
	DefaultTableName = "slack-mcp-tokens"
	DefaultRegion    = "ap-northeast-1"
	DefaultMCPPort   = 8001
	DefaultHTTPPort  = 8002
)

// Config holds the runtime configuration for the slackmcp server.
// All values come from environment variables, optionally seeded from a .env
// file in the working directory.
type Config struct {
	// SlackClientID and SlackClientSecret identify the Slack app used for the
	// OAuth flow. Both are required.
	SlackClientID     string
	SlackClientSecret string

	// ServiceBaseURL is the externally reachable base URL used to build the
	// OAuth redirect URI. Empty means local development (http://localhost).
	ServiceBaseURL string

	// Storage selects the backend: memory, file or dynamodb.
	Storage StorageKind

	// TokenFile is the JSONL file path for the file backend.
	TokenFile string

	// DynamoDB settings, used only when Storage == StorageDynamoDB.
	DynamoDBTable string
	AWSRegion     string

	// MCPPort serves the MCP streamable HTTP transport; HTTPPort serves the
	// OAuth callback, registration, status and health endpoints.
	MCPPort  int
	HTTPPort int
}

// Load reads configuration from the environment. A .env file in the working
// directory (or the explicitly named files) is loaded first when present;
// real environment variables win over .env entries.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(err) {
		logging.Warn("Config", "Could not read .env file: %v", err)
	}

	cfg := &Config{
		SlackClientID:     os.Getenv("SLACK_CLIENT_ID"),
		SlackClientSecret: os.Getenv("SLACK_CLIENT_SECRET"),
		ServiceBaseURL:    strings.TrimSuffix(os.Getenv("SERVICE_BASE_URL"), "/"),
		TokenFile:         envOr("SLACK_TOKEN_FILE", DefaultTokenFile),
		DynamoDBTable:     envOr("DYNAMODB_TABLE_NAME", DefaultTableName),
		AWSRegion:         envOr("AWS_REGION", DefaultRegion),
	}

	cfg.Storage = resolveStorageKind(os.Getenv("SLACK_MCP_STORAGE"))

	var err error
	if cfg.MCPPort, err = envPort("MCP_PORT", DefaultMCPPort); err != nil {
		return nil, err
	}
	if cfg.HTTPPort, err = envPort("HTTP_PORT", DefaultHTTPPort); err != nil {
		return nil, err
	}

	if cfg.SlackClientID == "" || cfg.SlackClientSecret == "" {
		return nil, fmt.Errorf("SLACK_CLIENT_ID and SLACK_CLIENT_SECRET must be set")
	}

	return cfg, nil
}

// resolveStorageKind picks the backend. An explicit SLACK_MCP_STORAGE value
// wins; otherwise cloud environments get DynamoDB and everything else the
// file backend.
func resolveStorageKind(explicit string) StorageKind {
	switch StorageKind(strings.ToLower(explicit)) {
	case StorageMemory:
		return StorageMemory
	case StorageFile:
		return StorageFile
	case StorageDynamoDB:
		return StorageDynamoDB
	}
	if explicit != "" {
		logging.Warn("Config", "Unknown SLACK_MCP_STORAGE value %q, falling back to autodetection", explicit)
	}
	if IsCloudEnvironment() {
		return StorageDynamoDB
	}
	return StorageFile
}

// IsCloudEnvironment reports whether the process is running on AWS
// (Fargate/ECS), which switches storage and redirect URI defaults.
func IsCloudEnvironment() bool {
	return os.Getenv("AWS_EXECUTION_ENV") != "" || os.Getenv("ECS_CONTAINER_METADATA_URI_V4") != ""
}

// CallbackBaseURL returns the base URL used to build the Slack redirect URI.
func (c *Config) CallbackBaseURL() string {
	if c.ServiceBaseURL != "" {
		return c.ServiceBaseURL
	}
	return fmt.Sprintf("http://localhost:%d", c.HTTPPort)
}

// RedirectURI is the full Slack OAuth callback URL.
func (c *Config) RedirectURI() string {
	return c.CallbackBaseURL() + "/slack/callback"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envPort(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid %s value %q", key, v)
	}
	return port, nil
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/go-authgate/session-client/session"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultTokenFile = ".authgate-tokens.json"
	defaultAPIPath   = "/oauth/tokeninfo"
	defaultCalls     = 3
)

// config is the resolved CLI configuration.
type config struct {
	ServerURL      string
	ClientID       string
	APIPath        string
	Calls          int
	RefreshTimeout time.Duration
	Debug          bool
	TokenStore     TokenStore
}

// fileConfig is the optional YAML configuration file.
type fileConfig struct {
	ServerURL      string        `yaml:"serverURL"`
	ClientID       string        `yaml:"clientID"`
	APIPath        string        `yaml:"apiPath"`
	Calls          int           `yaml:"calls"`
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`
	TokenStore     TokenStore    `yaml:"tokenStore"`
}

// loadConfig resolves the configuration with priority: flag > env > config file > default.
func loadConfig(args []string, getenv func(string) string) (*config, error) {
	fs := flag.NewFlagSet("authgate-session", flag.ContinueOnError)

	var (
		flagConfigFile     = fs.String("config", "", "YAML configuration file (or CONFIG_FILE env)")
		flagServerURL      = fs.String("server-url", "", "OAuth server URL (default: http://localhost:8080 or SERVER_URL env)")
		flagClientID       = fs.String("client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
		flagTokenFile      = fs.String("token-file", "", "Token storage file (default: .authgate-tokens.json or TOKEN_FILE env)")
		flagAPIPath        = fs.String("api-path", "", "Protected endpoint to call (default: /oauth/tokeninfo or API_PATH env)")
		flagCalls          = fs.Int("calls", 0, "Number of concurrent API calls (default: 3 or API_CALLS env)")
		flagRefreshTimeout = fs.Duration("refresh-timeout", 0, "Timeout of a token refresh (default: 10s or REFRESH_TIMEOUT env)")
		flagDebug          = fs.Bool("debug", false, "Debug logging")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var file fileConfig
	if path := getConfig(*flagConfigFile, getenv("CONFIG_FILE"), ""); path != "" {
		if err := readConfigFile(path, &file); err != nil {
			return nil, err
		}
	}

	cfg := &config{
		ServerURL: getConfig(*flagServerURL, getenv("SERVER_URL"), file.ServerURL, defaultServerURL),
		ClientID:  getConfig(*flagClientID, getenv("CLIENT_ID"), file.ClientID),
		APIPath:   getConfig(*flagAPIPath, getenv("API_PATH"), file.APIPath, defaultAPIPath),
		Debug:     *flagDebug,
	}
	cfg.ServerURL = strings.TrimSuffix(cfg.ServerURL, "/")

	calls, err := getInt(*flagCalls, getenv("API_CALLS"), file.Calls, defaultCalls)
	if err != nil {
		return nil, fmt.Errorf("invalid API_CALLS: %w", err)
	}
	cfg.Calls = calls

	refreshTimeout, err := getDuration(*flagRefreshTimeout, getenv("REFRESH_TIMEOUT"), file.RefreshTimeout, session.DefaultRefreshTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid REFRESH_TIMEOUT: %w", err)
	}
	cfg.RefreshTimeout = refreshTimeout

	cfg.TokenStore = file.TokenStore
	if cfg.TokenStore.Config == nil {
		cfg.TokenStore = TokenStore{Type: "file", Config: fileTokenStore{}}
	}
	// -token-file and TOKEN_FILE override the path of a file store.
	if fileStore, ok := cfg.TokenStore.Config.(fileTokenStore); ok {
		fileStore.Path = getConfig(*flagTokenFile, getenv("TOKEN_FILE"), fileStore.Path, defaultTokenFile)
		cfg.TokenStore.Config = fileStore
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(path string, out *fileConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// Validate validates the configuration.
func (c *config) Validate() error {
	if err := validateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	if c.ClientID == "" {
		return errors.New("CLIENT_ID not set, provide it with -client-id, the CLIENT_ID env, a .env file or the config file")
	}

	if !strings.HasPrefix(c.APIPath, "/") {
		return fmt.Errorf("api path must start with /, got: %s", c.APIPath)
	}

	if c.Calls < 1 {
		return fmt.Errorf("calls must be positive, got: %d", c.Calls)
	}

	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh timeout must be positive, got: %s", c.RefreshTimeout)
	}

	if c.TokenStore.Config == nil {
		return errors.New("token store type is required")
	}

	return c.TokenStore.Config.Validate()
}

// warnings lists configuration that works but is probably a mistake.
func (c *config) warnings() []string {
	var warnings []string

	if strings.HasPrefix(strings.ToLower(c.ServerURL), "http://") {
		warnings = append(warnings,
			"WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
			"This is only safe for local development. Use HTTPS in production.",
		)
	}

	if _, err := uuid.Parse(c.ClientID); err != nil {
		warnings = append(warnings,
			fmt.Sprintf("Warning: CLIENT_ID doesn't appear to be a valid UUID: %s", c.ClientID),
			"This may cause authentication issues if the server expects UUID format.",
		)
	}

	return warnings
}

// getConfig returns the first non-empty value.
func getConfig(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(flagValue int, envValue string, fileValue, defaultValue int) (int, error) {
	if flagValue != 0 {
		return flagValue, nil
	}
	if envValue != "" {
		return strconv.Atoi(envValue)
	}
	if fileValue != 0 {
		return fileValue, nil
	}
	return defaultValue, nil
}

func getDuration(flagValue time.Duration, envValue string, fileValue, defaultValue time.Duration) (time.Duration, error) {
	if flagValue != 0 {
		return flagValue, nil
	}
	if envValue != "" {
		return time.ParseDuration(envValue)
	}
	if fileValue != 0 {
		return fileValue, nil
	}
	return defaultValue, nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// Package config loads the settings of the OData proxy from an optional YAML
// file, an optional .env file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/sap-odata-client/pkg/cache"
	"github.com/Sternrassler/sap-odata-client/pkg/client"
	"github.com/Sternrassler/sap-odata-client/pkg/logging"
	"github.com/Sternrassler/sap-odata-client/pkg/ratelimit"
)

// DefaultEnvFile is read when Load is not given explicit env files.
const DefaultEnvFile = ".env"

// OAuthConfig configures the client-credentials grant.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// SAPConfig describes the SAP system and how to talk to it.
type SAPConfig struct {
	Host               string        `yaml:"host"`
	ServicePath        string        `yaml:"service_path"`
	AuthMode           string        `yaml:"auth_mode"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Client             string        `yaml:"client"`
	Language           string        `yaml:"language"`
	OAuth              OAuthConfig   `yaml:"oauth"`
	Scope              string        `yaml:"scope"`
	AllowPrivateHosts  bool          `yaml:"allow_private_hosts"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	CSRFTimeout        time.Duration `yaml:"csrf_timeout"`
	MetadataTTL        time.Duration `yaml:"metadata_ttl"`
	UpdateMethod       string        `yaml:"update_method"`
	MaxBatchSize       int           `yaml:"max_batch_size"`
	UserAgent          string        `yaml:"user_agent"`
}

// RetryConfig is the YAML form of client.RetryPolicy.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// RedisConfig selects the shared store. An empty URL keeps sessions and
// caches in process memory.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig configures the proxy listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the complete proxy configuration.
type Config struct {
	SAP      SAPConfig        `yaml:"sap"`
	Retry    RetryConfig      `yaml:"retry"`
	Throttle ratelimit.Config `yaml:"throttle"`
	Redis    RedisConfig      `yaml:"redis"`
	Server   ServerConfig     `yaml:"server"`
	Log      LogConfig        `yaml:"log"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	pool := client.DefaultPoolConfig()
	retry := client.DefaultRetryPolicy()
	defaults := client.DefaultConfig(nil, client.Credentials{})

	return &Config{
		SAP: SAPConfig{
			AuthMode:       string(client.AuthBasic),
			Scope:          defaults.Scope,
			Timeout:        pool.Timeout,
			SessionTimeout: defaults.SessionTimeout,
			CSRFTimeout:    defaults.CSRFTimeout,
			MetadataTTL:    defaults.MetadataTTL,
			UpdateMethod:   defaults.UpdateMethod,
			MaxBatchSize:   defaults.MaxBatchSize,
			UserAgent:      defaults.UserAgent,
		},
		Retry: RetryConfig{
			MaxAttempts:   retry.MaxAttempts,
			InitialDelay:  retry.InitialDelay,
			MaxDelay:      retry.MaxDelay,
			BackoffFactor: retry.BackoffFactor,
		},
		Throttle: ratelimit.DefaultConfig(),
		Server:   ServerConfig{Port: "8080"},
		Log:      LogConfig{Level: string(logging.LevelInfo)},
	}
}

// Load builds the configuration. path names an optional YAML file; envFiles
// are loaded with godotenv and never override variables already set. With no
// envFiles, DefaultEnvFile is used if it exists.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			envFiles = []string{DefaultEnvFile}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env: %w", err)
		}
	}

	var errs []error
	cfg.applyEnv(&errs)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(errs *[]error) {
	// SAP system
	setString("SAP_HOST", &c.SAP.Host)
	setString("SAP_SERVICE_PATH", &c.SAP.ServicePath)
	setString("SAP_AUTH_MODE", &c.SAP.AuthMode)
	setString("SAP_USERNAME", &c.SAP.Username)
	setString("SAP_PASSWORD", &c.SAP.Password)
	setString("SAP_CLIENT", &c.SAP.Client)
	setString("SAP_LANGUAGE", &c.SAP.Language)
	setString("SAP_SCOPE", &c.SAP.Scope)
	setString("SAP_UPDATE_METHOD", &c.SAP.UpdateMethod)
	setString("USER_AGENT", &c.SAP.UserAgent)
	setBool("SAP_ALLOW_PRIVATE_HOSTS", &c.SAP.AllowPrivateHosts, errs)
	setBool("SAP_INSECURE_SKIP_VERIFY", &c.SAP.InsecureSkipVerify, errs)
	setDuration("SAP_TIMEOUT", &c.SAP.Timeout, errs)
	setInt("SAP_MAX_BATCH_SIZE", &c.SAP.MaxBatchSize, errs)

	// OAuth2
	setString("SAP_OAUTH_TOKEN_URL", &c.SAP.OAuth.TokenURL)
	setString("SAP_OAUTH_CLIENT_ID", &c.SAP.OAuth.ClientID)
	setString("SAP_OAUTH_CLIENT_SECRET", &c.SAP.OAuth.ClientSecret)
	if v, ok := lookup("SAP_OAUTH_SCOPES"); ok {
		c.SAP.OAuth.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}

	// Retry
	setInt("SAP_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts, errs)
	setDuration("SAP_RETRY_INITIAL_DELAY", &c.Retry.InitialDelay, errs)
	setDuration("SAP_RETRY_MAX_DELAY", &c.Retry.MaxDelay, errs)

	// Throttle
	setBool("SAP_THROTTLE_ENABLED", &c.Throttle.Enabled, errs)
	setFloat("SAP_THROTTLE_RPS", &c.Throttle.MaxRequestsPerSecond, errs)
	setInt("SAP_THROTTLE_BURST", &c.Throttle.BurstSize, errs)
	if v, ok := lookup("SAP_THROTTLE_STRATEGY"); ok {
		c.Throttle.Strategy = ratelimit.Strategy(strings.ToLower(v))
	}

	// Infrastructure
	setString("REDIS_URL", &c.Redis.URL)
	setString("PORT", &c.Server.Port)
	setString("LOG_LEVEL", &c.Log.Level)
	setBool("LOG_PRETTY", &c.Log.Pretty, errs)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Credentials().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sap: %w", err))
	}
	if c.SAP.AuthMode == string(client.AuthBasic) && c.SAP.Password == "" {
		errs = append(errs, errors.New("sap: password is required for basic auth"))
	}
	if c.SAP.AuthMode == string(client.AuthOAuth2) && c.SAP.OAuth.ClientSecret == "" {
		errs = append(errs, errors.New("sap: oauth client secret is required for oauth2"))
	}
	if c.SAP.MaxBatchSize < 0 {
		errs = append(errs, fmt.Errorf("sap: max batch size must not be negative, got %d", c.SAP.MaxBatchSize))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry: max attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		errs = append(errs, errors.New("retry: initial delay exceeds max delay"))
	}
	if err := c.Throttle.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("throttle: %w", err))
	}
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("server: invalid port %q", c.Server.Port))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	return errors.Join(errs...)
}

// Credentials returns the SAP credentials.
func (c *Config) Credentials() client.Credentials {
	return client.Credentials{
		Host:     c.SAP.Host,
		AuthMode: client.AuthMode(strings.ToLower(c.SAP.AuthMode)),
		Username: c.SAP.Username,
		Password: c.SAP.Password,
		OAuth: client.OAuthCredentials{
			TokenURL:     c.SAP.OAuth.TokenURL,
			ClientID:     c.SAP.OAuth.ClientID,
			ClientSecret: c.SAP.OAuth.ClientSecret,
			Scopes:       c.SAP.OAuth.Scopes,
		},
		SAPClient:   c.SAP.Client,
		SAPLanguage: c.SAP.Language,
	}
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// ToClientConfig maps the configuration onto a client configuration backed
// by store.
func (c *Config) ToClientConfig(store cache.Store) client.Config {
	cfg := client.DefaultConfig(store, c.Credentials())

	if c.SAP.ServicePath != "" {
		cfg.ServicePath = client.FromLegacy(c.SAP.ServicePath)
	}
	if c.SAP.Scope != "" {
		cfg.Scope = c.SAP.Scope
	}
	if c.SAP.UserAgent != "" {
		cfg.UserAgent = c.SAP.UserAgent
	}
	if c.SAP.UpdateMethod != "" {
		cfg.UpdateMethod = strings.ToUpper(c.SAP.UpdateMethod)
	}
	if c.SAP.MaxBatchSize > 0 {
		cfg.MaxBatchSize = c.SAP.MaxBatchSize
	}
	if c.SAP.SessionTimeout > 0 {
		cfg.SessionTimeout = c.SAP.SessionTimeout
	}
	if c.SAP.CSRFTimeout > 0 {
		cfg.CSRFTimeout = c.SAP.CSRFTimeout
	}
	if c.SAP.MetadataTTL > 0 {
		cfg.MetadataTTL = c.SAP.MetadataTTL
	}
	if c.SAP.Timeout > 0 {
		cfg.Pool.Timeout = c.SAP.Timeout
	}
	cfg.Pool.InsecureSkipVerify = c.SAP.InsecureSkipVerify
	cfg.AllowPrivateHosts = c.SAP.AllowPrivateHosts

	cfg.Retry.MaxAttempts = c.Retry.MaxAttempts
	if c.Retry.InitialDelay > 0 {
		cfg.Retry.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		cfg.Retry.MaxDelay = c.Retry.MaxDelay
	}
	if c.Retry.BackoffFactor > 0 {
		cfg.Retry.BackoffFactor = c.Retry.BackoffFactor
	}

	cfg.Throttle = c.Throttle
	return cfg
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setBool(key string, dst *bool, errs *[]error) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid bool for %s: %q", key, v))
		return
	}
	*dst = b
}

func setInt(key string, dst *int, errs *[]error) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid integer for %s: %q", key, v))
		return
	}
	*dst = n
}

func setFloat(key string, dst *float64, errs *[]error) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid number for %s: %q", key, v))
		return
	}
	*dst = f
}

func setDuration(key string, dst *time.Duration, errs *[]error) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid duration for %s: %q", key, v))
		return
	}
	*dst = d
}

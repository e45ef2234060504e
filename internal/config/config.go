// Package config handles configuration loading for the AS2 daemon.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows secrets such as
// PKCS12 passwords and database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP listener, AS2 endpoint path and workspace directory
//   - storage: transmission store (sqlite or mongodb)
//   - security: openssl binary and partner key material directory
//   - archive: raw transmission archive directory
//   - inbound: basic authentication for the AS2 endpoint
//   - outbound: HTTP client settings for messages and async MDNs
//   - logging: level and format
//   - observability: Prometheus metrics
//   - partners: trading partners, see partner.Config
//
// # Example Configuration
//
//	server:
//	  port: 8080
//	  basePath: /as2
//	storage:
//	  type: sqlite
//	  sqlite:
//	    path: /var/lib/as2/as2.db
//	partners:
//	  - id: mycompany
//	    isLocal: true
//	    pkcs12File: /etc/as2/mycompany.p12
//	    pkcs12Password: ${AS2_P12_PASSWORD}
//	  - id: partner-b
//	    sendUrl: https://b.example.com/as2
//	    certificateFile: /etc/as2/partner-b.pem
//	    encryptionAlgorithm: aes256
//
// See [Load] for loading configuration from a file.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Storage  StorageConfig    `yaml:"storage"`
	Security SecurityConfig   `yaml:"security"`
	Archive  ArchiveConfig    `yaml:"archive"`
	Inbound  InboundConfig    `yaml:"inbound"`
	Outbound OutboundConfig   `yaml:"outbound"`
	Logging  LoggingConfig    `yaml:"logging"`
	Metrics  MetricsConfig    `yaml:"observability"`
	Partners []partner.Config `yaml:"partners" validate:"-"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	BasePath string `yaml:"basePath" validate:"startswith=/"`
	// WorkDir is the parent of per-request temporary directories.
	WorkDir string `yaml:"workDir"`
	// AsyncMDNDelay postpones asynchronous MDN delivery.
	AsyncMDNDelay time.Duration `yaml:"asyncMdnDelay" validate:"min=0"`
	// DuplicateWindow is how long received Message-IDs are remembered.
	DuplicateWindow time.Duration `yaml:"duplicateWindow" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	TLS             struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile" validate:"required_if=Enabled true"`
		KeyFile  string `yaml:"keyFile" validate:"required_if=Enabled true"`
	} `yaml:"tls"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Type    string        `yaml:"type" validate:"oneof=sqlite mongodb"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// SQLiteConfig holds embedded database settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// SecurityConfig configures the S/MIME backend.
type SecurityConfig struct {
	OpenSSLPath string        `yaml:"opensslPath"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=0"`
	// SecretsDir receives the key material extracted from partner bundles.
	SecretsDir string `yaml:"secretsDir"`
}

// ArchiveConfig configures the raw transmission archive. An empty Dir
// disables archiving.
type ArchiveConfig struct {
	Dir string `yaml:"dir"`
}

// InboundConfig protects the AS2 endpoint with basic authentication.
type InboundConfig struct {
	Realm string        `yaml:"realm"`
	Users []InboundUser `yaml:"users" validate:"dive"`
}

// InboundUser is a credential accepted on the AS2 endpoint. PasswordHash
// is an argon2id PHC string.
type InboundUser struct {
	Username     string `yaml:"username" validate:"required"`
	PasswordHash string `yaml:"passwordHash" validate:"required,startswith=$argon2id$"`
}

// OutboundConfig holds HTTP client settings
type OutboundConfig struct {
	LocalAddr          string        `yaml:"localAddr" validate:"omitempty,ip"`
	Timeout            time.Duration `yaml:"timeout" validate:"min=0"`
	MaxRedirects       int           `yaml:"maxRedirects" validate:"min=0"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	// Workers and QueueSize size the asynchronous MDN sender.
	Workers   int `yaml:"workers" validate:"min=0"`
	QueueSize int `yaml:"queueSize" validate:"min=0"`
	// LocalPartner sends outbox files. Empty selects the first local partner.
	LocalPartner string `yaml:"localPartner"`
	// OutboxDir is polled for <partner-id>/<file> entries to send.
	OutboxDir    string        `yaml:"outboxDir"`
	PollInterval time.Duration `yaml:"pollInterval" validate:"min=0"`
}

// LoggingConfig holds log settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" validate:"startswith=/"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/as2"
	}
	if c.Server.AsyncMDNDelay == 0 {
		c.Server.AsyncMDNDelay = 5 * time.Second
	}
	if c.Server.DuplicateWindow == 0 {
		c.Server.DuplicateWindow = 24 * time.Hour
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "as2.db"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "as2"
	}
	if c.Storage.MongoDB.ConnectTimeout == 0 {
		c.Storage.MongoDB.ConnectTimeout = time.Minute
	}
	if c.Security.OpenSSLPath == "" {
		c.Security.OpenSSLPath = "openssl"
	}
	if c.Security.Timeout == 0 {
		c.Security.Timeout = 30 * time.Second
	}
	if c.Security.SecretsDir == "" {
		c.Security.SecretsDir = "_private"
	}
	if c.Inbound.Realm == "" {
		c.Inbound.Realm = "AS2"
	}
	if c.Outbound.Timeout == 0 {
		c.Outbound.Timeout = 30 * time.Second
	}
	if c.Outbound.MaxRedirects == 0 {
		c.Outbound.MaxRedirects = 10
	}
	if c.Outbound.Workers == 0 {
		c.Outbound.Workers = 4
	}
	if c.Outbound.QueueSize == 0 {
		c.Outbound.QueueSize = 100
	}
	if c.Outbound.PollInterval == 0 {
		c.Outbound.PollInterval = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			field := e.Namespace()
			if _, rest, ok := strings.Cut(field, "."); ok {
				field = rest
			}
			return fmt.Errorf("%s: invalid value %q (%s)", field, fmt.Sprint(e.Value()), e.Tag())
		}
		return err
	}

	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
	}
	if c.Metrics.Metrics.Enabled && c.Metrics.Metrics.Path == c.Server.BasePath {
		return fmt.Errorf("observability.metrics.path must differ from server.basePath")
	}

	if len(c.Partners) == 0 {
		return fmt.Errorf("at least one partner is required")
	}
	seen := make(map[string]bool, len(c.Partners))
	locals := 0
	for i, p := range c.Partners {
		if p.ID == "" {
			return fmt.Errorf("partners[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("partners[%d]: duplicate partner id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.IsLocal {
			locals++
			if p.PKCS12File == "" {
				return fmt.Errorf("partners[%d].pkcs12File is required for a local partner", i)
			}
		}
	}
	if lp := c.Outbound.LocalPartner; lp != "" && !seen[lp] {
		return fmt.Errorf("outbound.localPartner %q is not a configured partner", lp)
	}
	if locals == 0 {
		return fmt.Errorf("at least one partner must have isLocal: true")
	}

	return nil
}

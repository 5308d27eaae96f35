// Package config handles loading and parsing of BleepFile configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for BleepFile.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Listing       ListingConfig       `yaml:"listing"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
	// AccountName is the storage account this server answers for. It is the
	// first segment of every canonicalized resource.
	AccountName string `yaml:"account_name" validate:"required"`
	// ReadOnly makes this node a secondary: every write is rejected.
	ReadOnly bool `yaml:"read_only"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout" validate:"min=0"`
	// MaxFileSize is the largest file body accepted, in bytes.
	MaxFileSize int64 `yaml:"max_file_size" validate:"min=0"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// AccountKey is the base64 shared key seeded for AccountName on startup.
	AccountKey string `yaml:"account_key" validate:"omitempty,base64"`
	// CredentialCacheTTL is how long looked-up credentials are cached, in seconds.
	CredentialCacheTTL int `yaml:"credential_cache_ttl" validate:"min=0"`
	// ClockSkew is the tolerated difference between x-ms-date and now, in seconds.
	ClockSkew int `yaml:"clock_skew" validate:"min=0"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// ListingConfig bounds segmented listings.
type ListingConfig struct {
	// DefaultMaxResults is used when a list request carries no maxresults.
	DefaultMaxResults int `yaml:"default_max_results" validate:"min=1,ltefield=MaxResults"`
	// MaxResults is the largest page a client may ask for.
	MaxResults int `yaml:"max_results" validate:"min=1"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is the metadata backend engine.
	Engine    string          `yaml:"engine" validate:"oneof=sqlite memory local dynamodb firestore cosmos"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Local     LocalMetaConfig `yaml:"local"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite-specific metadata store settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// LocalMetaConfig configures the JSONL metadata store.
type LocalMetaConfig struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

// DynamoDBConfig configures the DynamoDB metadata store.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig configures the Firestore metadata store.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Collection      string `yaml:"collection"`
}

// CosmosConfig configures the Cosmos DB metadata store.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// StorageConfig holds file data backend settings.
type StorageConfig struct {
	// Backend is the storage backend type.
	Backend    string           `yaml:"backend" validate:"oneof=local memory sqlite aws gcp azure azurefiles"`
	Local      LocalConfig      `yaml:"local"`
	Memory     MemoryConfig     `yaml:"memory"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	AWS        AWSConfig        `yaml:"aws"`
	GCP        GCPConfig        `yaml:"gcp"`
	Azure      AzureConfig      `yaml:"azure"`
	AzureFiles AzureFilesConfig `yaml:"azure_files"`
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	// RootDir is the base directory for local file storage.
	RootDir string `yaml:"root_dir"`
}

// MemoryConfig configures the in-memory storage backend.
type MemoryConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes" validate:"min=0"`
	// SnapshotPath, when set, persists file data to SQLite on close and
	// reloads it on startup.
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotInterval is the period, in seconds, of background snapshots.
	// Zero snapshots only on close.
	SnapshotInterval int `yaml:"snapshot_interval" validate:"min=0"`
}

// AWSConfig configures the S3 gateway backend.
type AWSConfig struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Prefix      string `yaml:"prefix"`
	EndpointURL string `yaml:"endpoint_url"`
}

// GCPConfig configures the GCS gateway backend.
type GCPConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig configures the Azure Blob gateway backend.
type AzureConfig struct {
	Container string `yaml:"container"`
	Account   string `yaml:"account"`
	// AccountURL defaults to https://{account}.blob.core.windows.net.
	AccountURL       string `yaml:"account_url"`
	Prefix           string `yaml:"prefix"`
	ManagedIdentity  bool   `yaml:"managed_identity"`
	ConnectionString string `yaml:"connection_string"`
}

// AzureFilesConfig configures the Azure Files gateway backend. Every local
// share is stored as a top-level directory of one upstream share.
type AzureFilesConfig struct {
	Account    string `yaml:"account"`
	AccountKey string `yaml:"account_key"`
	// ShareURL defaults to https://{account}.file.core.windows.net/{share}.
	ShareURL string `yaml:"share_url"`
	Share    string `yaml:"share"`
	Prefix   string `yaml:"prefix"`
}

// ObservabilityConfig toggles the metrics endpoint and health checks.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed, validated Config. It applies defaults for unset values.
// If the primary path fails, it falls back to bleepfile.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepfile.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepfile.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// An unset default page size follows the configured maximum.
	cfg.Listing.DefaultMaxResults = 0
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration, already validated.
func Default() *Config {
	return defaultConfig()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the per-engine settings that tags cannot
// express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Auth.Enabled && cfg.Auth.AccountKey == "" {
		return errors.New("invalid configuration: auth.account_key is required when auth is enabled")
	}

	switch cfg.Metadata.Engine {
	case "dynamodb":
		if cfg.Metadata.DynamoDB.Table == "" {
			return errors.New("invalid configuration: metadata.dynamodb.table is required")
		}
	case "firestore":
		if cfg.Metadata.Firestore.ProjectID == "" {
			return errors.New("invalid configuration: metadata.firestore.project_id is required")
		}
	case "cosmos":
		if cfg.Metadata.Cosmos.Endpoint == "" {
			return errors.New("invalid configuration: metadata.cosmos.endpoint is required")
		}
	}

	switch cfg.Storage.Backend {
	case "aws":
		if cfg.Storage.AWS.Bucket == "" {
			return errors.New("invalid configuration: storage.aws.bucket is required")
		}
	case "gcp":
		if cfg.Storage.GCP.Bucket == "" {
			return errors.New("invalid configuration: storage.gcp.bucket is required")
		}
	case "azure":
		if cfg.Storage.Azure.Container == "" {
			return errors.New("invalid configuration: storage.azure.container is required")
		}
	case "azurefiles":
		if cfg.Storage.AzureFiles.Share == "" {
			return errors.New("invalid configuration: storage.azure_files.share is required")
		}
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            10000,
			AccountName:     "devstoreaccount1",
			ShutdownTimeout: 30,
			MaxFileSize:     5 * 1024 * 1024 * 1024,
		},
		Auth: AuthConfig{
			Enabled:            true,
			AccountKey:         "YmxlZXBmaWxlLWRldmVsb3BtZW50LWtleQ==",
			CredentialCacheTTL: 60,
			ClockSkew:          900,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Listing: ListingConfig{
			DefaultMaxResults: 5000,
			MaxResults:        5000,
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/metadata.db",
			},
			Local: LocalMetaConfig{
				RootDir: "./data/metadata",
			},
			DynamoDB: DynamoDBConfig{
				Table: "bleepfile-metadata",
			},
			Firestore: FirestoreConfig{
				Collection: "bleepfile",
			},
			Cosmos: CosmosConfig{
				Database:  "bleepfile",
				Container: "metadata",
			},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/files",
			},
			SQLite: SQLiteConfig{
				Path: "./data/files.db",
			},
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.AccountName == "" {
		cfg.Server.AccountName = def.Server.AccountName
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.MaxFileSize == 0 {
		cfg.Server.MaxFileSize = def.Server.MaxFileSize
	}
	if cfg.Auth.CredentialCacheTTL == 0 {
		cfg.Auth.CredentialCacheTTL = def.Auth.CredentialCacheTTL
	}
	if cfg.Auth.ClockSkew == 0 {
		cfg.Auth.ClockSkew = def.Auth.ClockSkew
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Listing.MaxResults == 0 {
		cfg.Listing.MaxResults = def.Listing.MaxResults
	}
	if cfg.Listing.DefaultMaxResults == 0 {
		cfg.Listing.DefaultMaxResults = cfg.Listing.MaxResults
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = def.Metadata.Engine
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = def.Metadata.SQLite.Path
	}
	if cfg.Metadata.Local.RootDir == "" {
		cfg.Metadata.Local.RootDir = def.Metadata.Local.RootDir
	}
	if cfg.Metadata.DynamoDB.Table == "" {
		cfg.Metadata.DynamoDB.Table = def.Metadata.DynamoDB.Table
	}
	if cfg.Metadata.Firestore.Collection == "" {
		cfg.Metadata.Firestore.Collection = def.Metadata.Firestore.Collection
	}
	if cfg.Metadata.Cosmos.Database == "" {
		cfg.Metadata.Cosmos.Database = def.Metadata.Cosmos.Database
	}
	if cfg.Metadata.Cosmos.Container == "" {
		cfg.Metadata.Cosmos.Container = def.Metadata.Cosmos.Container
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = def.Storage.Local.RootDir
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = def.Storage.SQLite.Path
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bleepstore/bleepfile/internal/config"
	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/internal/storage"
)

// openMetadataStore builds the metadata store selected by cfg.Metadata.Engine.
func openMetadataStore(ctx context.Context, cfg *config.Config) (metadata.MetadataStore, error) {
	mc := &cfg.Metadata
	switch mc.Engine {
	case "memory":
		slog.Info("Metadata store initialized", "engine", "memory")
		return metadata.NewMemoryStore(), nil
	case "local":
		store, err := metadata.NewLocalStore(&mc.Local)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "local", "root", mc.Local.RootDir)
		return store, nil
	case "dynamodb":
		store, err := metadata.NewDynamoDBStore(&mc.DynamoDB)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "dynamodb", "table", mc.DynamoDB.Table)
		return store, nil
	case "firestore":
		store, err := metadata.NewFirestoreStore(ctx, &mc.Firestore)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "firestore", "project", mc.Firestore.ProjectID)
		return store, nil
	case "cosmos":
		store, err := metadata.NewCosmosStore(ctx, &mc.Cosmos)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "cosmos", "database", mc.Cosmos.Database)
		return store, nil
	default:
		dbPath := mc.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		store, err := metadata.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "sqlite", "path", dbPath)
		return store, nil
	}
}

// openStorageBackend builds the file data backend selected by
// cfg.Storage.Backend.
func openStorageBackend(ctx context.Context, cfg *config.Config) (storage.StorageBackend, error) {
	sc := &cfg.Storage
	switch sc.Backend {
	case "memory":
		b, err := storage.NewMemoryBackend(sc.Memory.MaxSizeBytes, sc.Memory.SnapshotPath,
			time.Duration(sc.Memory.SnapshotInterval)*time.Second)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "memory", "max_size", sc.Memory.MaxSizeBytes)
		return b, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(sc.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
		b, err := storage.NewSQLiteBackend(sc.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "sqlite", "path", sc.SQLite.Path)
		return b, nil
	case "aws":
		region := sc.AWS.Region
		if region == "" {
			region = "us-east-1"
		}
		b, err := storage.NewAWSGatewayBackend(ctx, sc.AWS.Bucket, region, sc.AWS.Prefix, sc.AWS.EndpointURL, "", "")
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "aws", "bucket", sc.AWS.Bucket, "region", region, "prefix", sc.AWS.Prefix)
		return b, nil
	case "gcp":
		b, err := storage.NewGCPGatewayBackend(ctx, sc.GCP.Bucket, sc.GCP.Project, sc.GCP.Prefix, sc.GCP.CredentialsFile)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "gcp", "bucket", sc.GCP.Bucket, "project", sc.GCP.Project)
		return b, nil
	case "azure":
		accountURL := sc.Azure.AccountURL
		if accountURL == "" && sc.Azure.ConnectionString == "" {
			if sc.Azure.Account == "" {
				return nil, fmt.Errorf("storage.azure.account or storage.azure.account_url is required")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", sc.Azure.Account)
		}
		b, err := storage.NewAzureGatewayBackend(ctx, sc.Azure.Container, accountURL, sc.Azure.Prefix,
			sc.Azure.ConnectionString, sc.Azure.ManagedIdentity)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "azure", "container", sc.Azure.Container, "account", accountURL)
		return b, nil
	case "azurefiles":
		af := sc.AzureFiles
		b, err := storage.NewAzureFilesGatewayBackend(ctx, af.Account, af.AccountKey, af.ShareURL, af.Share, af.Prefix)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage backend initialized", "backend", "azurefiles", "share", af.Share)
		return b, nil
	default:
		root := sc.Local.RootDir
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage root directory: %w", err)
		}
		b, err := storage.NewLocalBackend(root)
		if err != nil {
			return nil, err
		}
		// Every startup is recovery: drop temp files of interrupted writes.
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend initialized", "backend", "local", "root", root)
		return b, nil
	}
}

// closeIfCloser closes v when it holds resources.
func closeIfCloser(name string, v any) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("Close failed", "component", name, "error", err)
		}
	}
}

// seedDefaultCredential stores the configured account key if the account
// has no credential yet. It runs on every startup.
func seedDefaultCredential(ctx context.Context, store metadata.MetadataStore, cfg *config.Config) error {
	existing, err := store.GetCredential(ctx, cfg.Server.AccountName)
	if err != nil {
		return fmt.Errorf("checking default credential: %w", err)
	}
	if existing != nil {
		return nil
	}
	cred := &metadata.CredentialRecord{
		AccountName: cfg.Server.AccountName,
		AccountKey:  cfg.Auth.AccountKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("seeding default credential: %w", err)
	}
	slog.Info("Seeded default credential", "account", cfg.Server.AccountName)
	return nil
}

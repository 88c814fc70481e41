package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-webhooks/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // PostgreSQL driver
)

var sqlOpen = sql.Open

var runMigrations = Migrate

var NewSpannerRepositoryFactory = func(client *spanner.Client) Repository {
	return &SpannerRepository{client: client}
}

var NewMongoRepositoryFactory = func(ctx context.Context, uri, database string) (Repository, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return NewMongoRepository(client, database), nil
}

// NewRepository opens the backend selected by cfg.Type.
func NewRepository(ctx context.Context, cfg config.DbSettings) (Repository, error) {
	switch cfg.Type {
	case "postgres", "pgx":
		driver := "postgres"
		if cfg.Type == "pgx" {
			driver = "pgx"
		}
		if cfg.Migrate {
			if err := runMigrations(cfg.DSN); err != nil {
				return nil, err
			}
		}
		db, err := sqlOpen(driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db), nil
	case "mongo":
		return NewMongoRepositoryFactory(ctx, cfg.URI, cfg.DBName)
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client), nil
	case "memory":
		repo := NewMemoryRepository()
		if cfg.SeedFile != "" {
			if err := repo.LoadSeedFile(ctx, cfg.SeedFile); err != nil {
				return nil, err
			}
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// Package pgtest starts disposable Postgres and Kafka containers for
// integration tests and migrates the commerce schema into them.
package pgtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresSetup struct {
	ConnStr string
	DB      *sql.DB
	cleanup func()
}

func (p *PostgresSetup) Cleanup() {
	p.cleanup()
}

// SetupPostgres runs a Postgres container with every migration applied and
// returns an open handle to it.
func SetupPostgres(ctx context.Context, t *testing.T) *PostgresSetup {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("commerce"),
		postgres.WithUsername("commerce"),
		postgres.WithPassword("commerce"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	if err := runMigrations(connStr); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to run migrations: %v", err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open database: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return &PostgresSetup{ConnStr: connStr, DB: db, cleanup: cleanup}
}

func runMigrations(connStr string) error {
	m, err := migrate.New(migrationsPath(), connStr)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func migrationsPath() string {
	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(filename), "..", "..", "..")
	return "file://" + filepath.Join(root, "migrations")
}

func SetupKafka(ctx context.Context, t *testing.T) ([]string, func()) {
	t.Helper()

	container, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.8.0",
		kafka.WithClusterID("test-cluster"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	brokers, err := container.Brokers(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get kafka brokers: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers, cleanup
}

// SeedTenant inserts a commerce-enabled tenant and returns its id.
func SeedTenant(ctx context.Context, t *testing.T, db *sql.DB, slug string) int64 {
	t.Helper()

	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO tenants (slug, domain, name, currency, commerce_enabled)
		VALUES ($1, $2, $1, 'USD', TRUE)
		RETURNING id
	`, slug, slug+".example.com").Scan(&id)
	if err != nil {
		t.Fatalf("failed to seed tenant: %v", err)
	}
	return id
}

// SeedVariant inserts an active product with one variant holding stock units.
func SeedVariant(ctx context.Context, t *testing.T, db *sql.DB, tenantID int64, sku string, price, stock int64) (productID, variantID int64) {
	t.Helper()

	err := db.QueryRowContext(ctx, `
		INSERT INTO products (tenant_id, name, sku, price, currency, status, has_variants)
		VALUES ($1, $2, $2, $3, 'USD', 'active', TRUE)
		RETURNING id
	`, tenantID, sku, price).Scan(&productID)
	if err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}

	err = db.QueryRowContext(ctx, `
		INSERT INTO product_variants (tenant_id, product_id, name, sku, price, stock_quantity, is_in_stock)
		VALUES ($1, $2, 'default', $3, $4, $5, $6)
		RETURNING id
	`, tenantID, productID, sku+"-default", price, stock, stock > 0).Scan(&variantID)
	if err != nil {
		t.Fatalf("failed to seed variant: %v", err)
	}
	return productID, variantID
}

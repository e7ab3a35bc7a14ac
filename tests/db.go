//go:build integration

package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trezcool/mwalimu/storage/database"
)

// PrepareDB starts a throwaway postgres container, migrates it and returns a connection to it.
// Everything is torn down when the test ends.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "mwalimu",
			"POSTGRES_PASSWORD": "mwalimu",
			"POSTGRES_DB":       "mwalimu_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("PrepareDB() starting postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("PrepareDB() terminating postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("PrepareDB() postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("PrepareDB() postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://mwalimu:mwalimu@%s:%s/mwalimu_test?sslmode=disable&timezone=utc", host, port.Port())
	db, err := database.OpenURL(dsn)
	if err != nil {
		t.Fatalf("PrepareDB() opening database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(db.DB); err != nil {
		t.Fatalf("PrepareDB() migrating database: %v", err)
	}
	return db
}

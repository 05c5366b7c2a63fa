//go:build integration

package objstore

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupMinio starts a MinIO container and returns a store on a fresh bucket.
func setupMinio(t *testing.T) (*MinioStore, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "ingest",
			"MINIO_ROOT_PASSWORD": "ingest-secret",
		},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start MinIO container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get MinIO endpoint: %v", err)
	}

	store, err := NewMinio(Config{
		Endpoint:  endpoint,
		AccessKey: "ingest",
		SecretKey: "ingest-secret",
		Bucket:    "artifacts",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMinio() error = %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}

	return store, func() { container.Terminate(ctx) }
}

func TestMinioStore_Integration(t *testing.T) {
	store, cleanup := setupMinio(t)
	defer cleanup()
	ctx := context.Background()

	// Idempotent on an existing bucket.
	if err := store.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket() again error = %v", err)
	}

	if err := store.Put(ctx, "exports/samples.csv", []byte("id\n1\n")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := store.Get(ctx, "exports/samples.csv")
	if err != nil || string(got) != "id\n1\n" {
		t.Errorf("Get() = %q, %v", got, err)
	}

	keys, err := store.List(ctx, "exports/")
	if err != nil || len(keys) != 1 {
		t.Errorf("List() = %v, %v", keys, err)
	}

	if _, err := store.Get(ctx, "exports/missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

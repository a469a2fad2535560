package auditstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// startSurrealDB spins up a disposable SurrealDB container for one test.
// Integration-only: skipped under -short, since it needs a container
// runtime.
func startSurrealDB(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed auditstore test in -short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "surrealdb/surrealdb:v3.0.0",
		ExposedPorts: []string{"8000/tcp"},
		Cmd:          []string{"start", "--user", "root", "--pass", "root"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("8000/tcp"),
			wait.ForLog("Started web server"),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start SurrealDB container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get SurrealDB host: %v", err)
	}
	port, err := container.MappedPort(ctx, "8000/tcp")
	if err != nil {
		t.Fatalf("get SurrealDB port: %v", err)
	}
	return fmt.Sprintf("ws://%s:%s/rpc", host, port.Port())
}

func TestStore_RecordCompletion(t *testing.T) {
	addr := startSurrealDB(t)
	store, err := Open(common.NewLogger("error"), common.AuditingConfig{
		Enabled:   true,
		Address:   addr,
		Namespace: "jobsrv",
		Database:  "audit",
		Username:  "root",
		Password:  "root",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	store.RecordCompletion(models.PromiseId{ServiceID: 1, Sequence: 1}, 3, 128, false, "")
}

func TestStore_NilReceiverIsNoop(t *testing.T) {
	var store *Store
	store.RecordCompletion(models.PromiseId{}, 0, 0, false, "")
	if err := store.Close(); err != nil {
		t.Fatalf("Close on a nil *Store should be a no-op, got %v", err)
	}
}

//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/imagecache"
	"github.com/meigma/imagecache/backend/oci"
	"github.com/meigma/imagecache/driver"
	"github.com/meigma/imagecache/driver/sqlite"
	"github.com/meigma/imagecache/driver/xattr"
	imagehttp "github.com/meigma/imagecache/http"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		ctx := context.Background()
		registryAddr, registryErr = startRegistryContainer(ctx)
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container with blob deletion
// enabled and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		Env: map[string]string{
			"REGISTRY_STORAGE_DELETE_ENABLED": "true",
		},
		WaitingFor: wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Fixtures ---

// testRepo generates a unique repository for a test to avoid collisions.
func testRepo(registryAddr, testName string) string {
	return fmt.Sprintf("%s/test/%s", registryAddr, strings.ToLower(testName))
}

// newStore returns an OCI backend on the test registry.
func newStore(tb testing.TB, name string) *oci.Store {
	tb.Helper()
	store, err := oci.New(testRepo(getRegistry(tb), name),
		oci.WithPlainHTTP(true),
		oci.WithTempDir(tb.TempDir()),
	)
	require.NoError(tb, err, "create oci store")
	return store
}

// newDriver opens the named driver in a fresh directory. It skips when the
// xattr driver is unsupported on the test filesystem.
func newDriver(tb testing.TB, name string) (driver.Driver, string) {
	tb.Helper()
	dir := tb.TempDir()
	var (
		d   driver.Driver
		err error
	)
	switch name {
	case sqlite.Name:
		d, err = sqlite.New(dir)
	case xattr.Name:
		d, err = xattr.New(dir)
	default:
		tb.Fatalf("unknown driver %q", name)
	}
	if errors.Is(err, driver.ErrStorageUnavailable) {
		tb.Skipf("%s driver unavailable: %v", name, err)
	}
	require.NoError(tb, err, "open %s driver", name)
	tb.Cleanup(func() { _ = d.Close() })
	return d, dir
}

// newServer serves store through a cache using d.
func newServer(tb testing.TB, d driver.Driver, store *oci.Store) *httptest.Server {
	tb.Helper()
	c, err := imagecache.New(d, store)
	require.NoError(tb, err)
	srv := httptest.NewServer(imagehttp.NewServer(c, store).Handler())
	tb.Cleanup(srv.Close)
	return srv
}

var drivers = []string{sqlite.Name, xattr.Name}

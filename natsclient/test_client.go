package natsclient

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultTestImage is the NATS server image started by NewTestServer.
// BBDO_TEST_NATS_IMAGE overrides it.
const DefaultTestImage = "nats:2.11.7-alpine"

// TestServer is a NATS server in a container plus a connected client. The
// container is terminated when the test ends.
type TestServer struct {
	URL    string
	Client *Client
}

// TestOption configures NewTestServer.
type TestOption func(*testServerConfig)

type testServerConfig struct {
	jetstream bool
	image     string
}

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(c *testServerConfig) { c.jetstream = true }
}

// NewTestServer starts a server for t. Tests calling it need Docker and
// belong behind the integration build tag.
func NewTestServer(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()

	cfg := testServerConfig{image: DefaultTestImage}
	if img := os.Getenv("BBDO_TEST_NATS_IMAGE"); img != "" {
		cfg.image = img
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		cmd = append(cmd, "--js")
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := containerURL(ctx, container)
	if err != nil {
		t.Fatalf("NATS container address: %v", err)
	}

	client, err := NewClient(url, WithTimeout(5*time.Second), WithMaxReconnects(0))
	if err != nil {
		t.Fatalf("create NATS client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to NATS container: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestServer{URL: url, Client: client}
}

func containerURL(ctx context.Context, c testcontainers.Container) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := c.MappedPort(ctx, "4222")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}

//go:build integration

package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/event/neb"
)

func startRedpanda(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M",
			"--reserve-memory", "0M", "--check=false", "--node-id", "0",
			"--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor: wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "9092")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestProduceThenConsume(t *testing.T) {
	broker := startRedpanda(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	registry := event.NewRegistry()
	require.NoError(t, neb.Register(registry))

	opts := Options{
		Name:     "kafka",
		Brokers:  []string{broker},
		Topic:    "bbdo-it",
		Registry: registry,
		Extra:    []kgo.Opt{kgo.AllowAutoTopicCreation()},
	}

	c, err := NewConnector(opts)
	require.NoError(t, err)
	out, err := c.Open(ctx)
	require.NoError(t, err)

	total := 0
	for i := range 10 {
		acked, err := out.Write(event.New(&neb.LogEntry{HostID: uint32(i)}).WithRoute(1, 0))
		require.NoError(t, err)
		total += acked
	}
	acked, err := out.Stop()
	require.NoError(t, err)
	assert.Equal(t, 10, total+acked)

	opts.Input = true
	c, err = NewConnector(opts)
	require.NoError(t, err)
	in, err := c.Open(ctx)
	require.NoError(t, err)
	defer in.Stop()

	var hosts []uint32
	for len(hosts) < 10 {
		ev, err := in.Read(ctx, time.Now().Add(30*time.Second))
		require.NoError(t, err)
		hosts = append(hosts, ev.Payload.(*neb.LogEntry).HostID)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, hosts)
}

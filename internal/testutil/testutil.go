// Package testutil provides shared test infrastructure: a quiet test logger
// and a RabbitMQ container helper for broker integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartRabbitMQ()
//	    defer tc.Terminate()
//	    brokerURI = tc.AMQPURI
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// BrokerContainer wraps a RabbitMQ testcontainer with its AMQP URI.
type BrokerContainer struct {
	Container testcontainers.Container
	AMQPURI   string
}

// MustStartRabbitMQ starts a RabbitMQ container for broker integration tests.
// Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartRabbitMQ() *BrokerContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start rabbitmq container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	return &BrokerContainer{
		Container: container,
		AMQPURI:   fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
	}
}

// Terminate stops and removes the container.
func (bc *BrokerContainer) Terminate() {
	_ = bc.Container.Terminate(context.Background())
}

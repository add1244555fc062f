//go:build integration

//nolint:misspell // Mosquitto is the official Eclipse project name
package containers

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const mosquittoConfig = `listener 1883
allow_anonymous true
`

// MosquittoContainer wraps an Eclipse Mosquitto broker.
type MosquittoContainer struct {
	container  testcontainers.Container
	brokerURL  string
	configFile string
}

// MosquittoConfig holds configuration for Mosquitto container creation.
type MosquittoConfig struct {
	ImageTag string
}

// NewMosquittoContainer starts an anonymous Mosquitto broker. A nil config
// uses the 2.0 image.
func NewMosquittoContainer(ctx context.Context, config *MosquittoConfig) (*MosquittoContainer, error) {
	tag := "2.0"
	if config != nil && config.ImageTag != "" {
		tag = config.ImageTag
	}

	configFile, err := writeTempFile("mosquitto-*.conf", mosquittoConfig)
	if err != nil {
		return nil, err
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:" + tag,
			ExposedPorts: []string{"1883/tcp"},
			Cmd:          []string{"mosquitto", "-c", "/mosquitto-test.conf"},
			Files: []testcontainers.ContainerFile{{
				HostFilePath:      configFile,
				ContainerFilePath: "/mosquitto-test.conf",
				FileMode:          0o644,
			}},
			WaitingFor: wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		_ = os.Remove(configFile)
		return nil, fmt.Errorf("failed to start Mosquitto container: %w", err)
	}

	mc := &MosquittoContainer{container: container, configFile: configFile}
	host, err := container.Host(ctx)
	if err != nil {
		_ = mc.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "1883")
	if err != nil {
		_ = mc.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}
	mc.brokerURL = "tcp://" + net.JoinHostPort(host, port.Port())

	client, err := mc.CreateClient("healthcheck")
	if err != nil {
		_ = mc.Terminate(context.Background())
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	client.Disconnect(250)
	return mc, nil
}

// BrokerURL returns the tcp:// URL of the broker.
func (c *MosquittoContainer) BrokerURL() string {
	return c.brokerURL
}

// CreateClient connects a raw paho client. The caller disconnects it.
func (c *MosquittoContainer) CreateClient(clientID string) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.brokerURL)
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(false)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect timeout for client %s", clientID)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect client %s: %w", clientID, err)
	}
	return client, nil
}

// Terminate stops the container and removes its config file.
func (c *MosquittoContainer) Terminate(ctx context.Context) error {
	defer func() { _ = os.Remove(c.configFile) }()
	if err := c.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate container: %w", err)
	}
	return nil
}

func writeTempFile(pattern, content string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return f.Name(), nil
}

package modbus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

// Client provides an interface onto Modbus/TCP devices.
// It hides the underlying open source modbus library and adds lazy connect and
// reconnect-on-error behaviour: a failed read marks the connection dirty and
// the next call re-opens it.
type Client struct {
	host string

	mu              sync.Mutex
	subClient       *modbus.ModbusClient // the raw client of the underlying modbus library we are using
	shouldReconnect bool                 // when true, the subClient is 'dirty' and will be re-created next time a read call is made
	logger          *slog.Logger
}

// NewClient creates a client for the given host. A bare host gets the default
// Modbus port 502 appended. No connection is made until the first read.
func NewClient(host string) *Client {
	if !strings.Contains(host, ":") {
		host = host + ":502"
	}
	return &Client{
		host:            host,
		shouldReconnect: true,
		logger:          slog.Default().With("host", host),
	}
}

// ReadRegisters reads `count` holding registers starting at `addr`, as the
// given unit id. On error the connection is marked for reconnection.
func (c *Client) ReadRegisters(unitID uint8, addr uint16, count uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reconnectIfNeccesary(); err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}

	c.subClient.SetUnitId(unitID)
	registerVals, err := c.subClient.ReadRegisters(addr, count, modbus.HOLDING_REGISTER)
	if err != nil {
		c.setShouldReconnect()
		return nil, fmt.Errorf("read registers %d+%d: %w", addr, count, err)
	}
	return registerVals, nil
}

// Close tears the connection down. The next read reconnects lazily, so Close
// doubles as the "pause" primitive for the CLI gateway.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subClient != nil {
		c.subClient.Close()
		c.subClient = nil
	}
	c.shouldReconnect = true
}

// createSubClient creates the open-source modbus library client with sensible defaults and connects to the host.
func (c *Client) createSubClient() error {
	subClient, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s", c.host),
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create modbus client: %w", err)
	}

	err = subClient.Open()
	if err != nil {
		return fmt.Errorf("open modbus client: %w", err)
	}

	c.subClient = subClient

	return nil
}

// setShouldReconnect is called when there has been an error with the modbus connection that should trigger a re-connect.
func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}

// reconnectIfNeccesary will close the old connection and reconnect if there have been problems with the connection.
func (c *Client) reconnectIfNeccesary() error {
	if !c.shouldReconnect {
		return nil
	}

	// Ignore errors from Close() as we will continue with the reconnect anyway and start a new connection.
	if c.subClient != nil {
		c.subClient.Close()
	}

	err := c.createSubClient()
	if err != nil {
		return err
	}

	c.shouldReconnect = false

	c.logger.Info("Connected modbus client")

	return nil
}

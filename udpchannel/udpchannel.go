package udpchannel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// WallboxPort is the UDP port the charge point listens and replies on.
const WallboxPort = 7090

// Consumer receives every classified inbound message, synchronously and in
// arrival order. HandleChannelShutdown is called exactly once, before the
// socket is closed, so no message is delivered after it.
type Consumer interface {
	HandleMessage(msg Message)
	HandleChannelShutdown()
}

// Channel owns the single UDP socket shared with the wallbox. All sends and
// the single receive path go through it.
type Channel struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu        sync.Mutex
	consumers []Consumer
	running   bool
}

// New binds the wallbox socket with address reuse, so a restarting controller
// does not race the dying process for the port.
func New() (*Channel, error) {
	listenConfig := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	packetConn, err := listenConfig.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", WallboxPort))
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", WallboxPort, err)
	}

	return &Channel{
		conn:   packetConn.(*net.UDPConn),
		logger: slog.Default().With("component", "udpchannel"),
	}, nil
}

// Subscribe attaches a consumer. Subscribing twice is a no-op.
func (c *Channel) Subscribe(consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.consumers {
		if existing == consumer {
			return
		}
	}
	c.consumers = append(c.consumers, consumer)
}

// Unsubscribe detaches a consumer.
func (c *Channel) Unsubscribe(consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.consumers {
		if existing == consumer {
			c.consumers = append(c.consumers[:i], c.consumers[i+1:]...)
			return
		}
	}
}

// Run reads datagrams until the context is cancelled. Every datagram is
// decoded once and dispatched synchronously to all consumers. On shutdown the
// consumers are notified before the socket is closed.
func (c *Channel) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Info("UDP channel already running")
		return nil
	}
	c.running = true
	c.mu.Unlock()

	// unblock the read loop when the context is cancelled
	go func() {
		<-ctx.Done()
		c.shutdown()
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			c.mu.Lock()
			running := c.running
			c.mu.Unlock()
			if !running {
				return nil // normal shutdown
			}
			return fmt.Errorf("udp read: %w", err)
		}

		c.dispatch(classify(buf[:n], addr))
	}
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	consumers := append([]Consumer(nil), c.consumers...)
	c.consumers = nil
	c.mu.Unlock()

	c.logger.Info("Shutting down UDP channel")
	for _, consumer := range consumers {
		consumer.HandleChannelShutdown()
	}
	c.conn.Close()
}

func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	consumers := append([]Consumer(nil), c.consumers...)
	c.mu.Unlock()

	c.logger.Debug("Received datagram", "from", msg.Addr.String(), "payload", msg.Raw)
	for _, consumer := range consumers {
		consumer.HandleMessage(msg)
	}
}

// Send transmits a newline-terminated command to the given host,
// fire-and-forget.
func (c *Channel) Send(ip string, text string) error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", ip, WallboxPort))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ip, err)
	}

	_, err = c.conn.WriteToUDP([]byte(text+"\n"), addr)
	if err != nil {
		return fmt.Errorf("udp send to %s: %w", ip, err)
	}
	return nil
}

// SendBroadcast transmits to the local broadcast address and re-emits the
// datagram to our own consumers: the kernel does not loop broadcasts back to
// the sender.
func (c *Channel) SendBroadcast(text string) error {
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: WallboxPort}
	_, err := c.conn.WriteToUDP([]byte(text+"\n"), addr)
	if err != nil {
		return fmt.Errorf("udp broadcast: %w", err)
	}

	local := c.conn.LocalAddr().(*net.UDPAddr)
	c.dispatch(classify([]byte(text), local))
	return nil
}

package wallbox

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvcharge/pvcharge/udpchannel"
)

const testIP = "192.168.1.50"

// testMessage builds a classified message the way the udpchannel would.
func testMessage(t *testing.T, payload, fromIP string) udpchannel.Message {
	t.Helper()

	msg := udpchannel.Message{
		Raw:  strings.TrimSpace(payload),
		Addr: &net.UDPAddr{IP: net.ParseIP(fromIP), Port: udpchannel.WallboxPort},
	}
	if strings.HasPrefix(msg.Raw, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(msg.Raw), &obj); err == nil {
			msg.IsJSON = true
			msg.JSON = obj
			_, msg.HasID = obj["ID"]
		}
	}
	msg.HasAckToken = strings.Contains(msg.Raw, "TCH-OK") || strings.Contains(msg.Raw, "TCH-ERR")
	return msg
}

// scriptedChannel records sends and feeds back scripted replies.
type scriptedChannel struct {
	mu     sync.Mutex
	sent   []string
	onSend func(command string)
}

func (c *scriptedChannel) Send(ip string, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	onSend := c.onSend
	c.mu.Unlock()
	if onSend != nil {
		go onSend(text)
	}
	return nil
}

func (c *scriptedChannel) sentCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      5 * time.Millisecond,
		BackoffFactor:  2,
		AttemptTimeout: 50 * time.Millisecond,
	}
}

func startTransport(t *testing.T, channel *scriptedChannel, retry RetryConfig) *Transport {
	t.Helper()
	transport := NewTransport(channel, retry)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go transport.Run(ctx)
	return transport
}

func TestSendCommandReportResolvedByMatchingReply(t *testing.T) {
	channel := &scriptedChannel{}
	transport := startTransport(t, channel, fastRetry())

	channel.onSend = func(command string) {
		if command != CommandReport2 {
			return
		}
		// a spontaneous broadcast arrives first; it must not resolve the request
		transport.HandleMessage(testMessage(t, `{"E pres":22444}`, testIP))
		// then the real reply
		transport.HandleMessage(testMessage(t, `{"ID":"2","State":3,"Plug":7,"Max curr":16000}`, testIP))
	}

	result, err := transport.SendCommand(context.Background(), testIP, CommandReport2)
	require.NoError(t, err)

	state, ok := result.Int("State")
	assert.True(t, ok)
	assert.Equal(t, 3, state)
	_, hasEPres := result["E pres"]
	assert.False(t, hasEPres, "the broadcast must not have been taken as the reply")
}

func TestSendCommandSpontaneousBroadcastNeverResolvesReport3(t *testing.T) {
	channel := &scriptedChannel{}
	transport := startTransport(t, channel, fastRetry())

	channel.onSend = func(command string) {
		// only ever answer with the session-energy broadcast
		transport.HandleMessage(testMessage(t, `{"E pres":22444}`, testIP))
	}

	_, err := transport.SendCommand(context.Background(), testIP, CommandReport3)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, channel.sentCommands(), 3, "timeouts retry up to MaxAttempts")
}

func TestSendCommandEnaRequiresAck(t *testing.T) {
	channel := &scriptedChannel{}
	transport := startTransport(t, channel, fastRetry())

	channel.onSend = func(command string) {
		transport.HandleMessage(testMessage(t, "TCH-OK :done", testIP))
	}

	result, err := transport.SendCommand(context.Background(), testIP, CommandEnable)
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestSendCommandCurrRejectedSurfacesReason(t *testing.T) {
	channel := &scriptedChannel{}
	transport := startTransport(t, channel, fastRetry())

	channel.onSend = func(command string) {
		transport.HandleMessage(testMessage(t, "TCH-ERR :not supported", testIP))
	}

	_, err := transport.SendCommand(context.Background(), testIP, CurrCommand(10))
	var rejected *CommandRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "not supported", rejected.Reason)
}

func TestSendCommandIgnoresRepliesFromWrongEndpoint(t *testing.T) {
	channel := &scriptedChannel{}
	transport := startTransport(t, channel, fastRetry())

	channel.onSend = func(command string) {
		transport.HandleMessage(testMessage(t, `{"ID":"2","State":3}`, "192.168.1.99"))
	}

	_, err := transport.SendCommand(context.Background(), testIP, CommandReport2)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendCommandDemoModeAcceptsLoopback(t *testing.T) {
	channel := &scriptedChannel{}
	transport := startTransport(t, channel, fastRetry())
	transport.DemoMode = true

	channel.onSend = func(command string) {
		transport.HandleMessage(testMessage(t, `{"ID":"2","State":1,"Plug":0}`, "127.0.0.1"))
	}

	result, err := transport.SendCommand(context.Background(), testIP, CommandReport2)
	require.NoError(t, err)
	plug, _ := result.Int("Plug")
	assert.Equal(t, 0, plug)
}

func TestShutdownRejectsQueuedRequests(t *testing.T) {
	channel := &scriptedChannel{}
	transport := NewTransport(channel, fastRetry())
	// no Run loop: the request stays queued

	done := make(chan error, 1)
	go func() {
		_, err := transport.SendCommand(context.Background(), testIP, CommandReport2)
		done <- err
	}()

	// give the request time to enqueue, then shut down
	time.Sleep(20 * time.Millisecond)
	transport.HandleChannelShutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("queued request was not rejected on shutdown")
	}

	_, err := transport.SendCommand(context.Background(), testIP, CommandReport2)
	assert.ErrorIs(t, err, ErrClosed)
}

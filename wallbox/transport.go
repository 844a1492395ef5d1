package wallbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pvcharge/pvcharge/udpchannel"
)

// Transport error kinds. Timeouts are retried inside the transport; the other
// kinds surface immediately.
var (
	ErrTimeout = errors.New("wallbox: command timed out")
	ErrClosed  = errors.New("wallbox: transport closed")
)

// CommandRejectedError is returned when the device answers a write command
// with TCH-ERR.
type CommandRejectedError struct {
	Command string
	Reason  string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("wallbox rejected %q: %s", e.Command, e.Reason)
}

// RetryConfig tunes the per-command retry behaviour. Only timeouts retry.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	BackoffFactor  int
	AttemptTimeout time.Duration
}

// DefaultRetryConfig mirrors the device's observed responsiveness: three
// attempts, 500 ms base delay, doubling, 6 s per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		BackoffFactor:  2,
		AttemptTimeout: 6 * time.Second,
	}
}

const (
	// pacingDelay is inserted between a reply and the dispatch of the next
	// queued command; the device drops commands that arrive back to back.
	pacingDelay = 100 * time.Millisecond
	queueSize   = 32
)

// sender is the part of the udpchannel the transport needs; narrowed for tests.
type sender interface {
	Send(ip string, text string) error
}

type request struct {
	ip      string
	command string
	done    chan response
}

type response struct {
	result Result
	err    error
}

// Transport wraps the UDP channel in a request/response multiplexer with at
// most one command in flight against the wallbox. Other requesters queue FIFO.
type Transport struct {
	channel sender
	retry   RetryConfig
	logger  *slog.Logger

	// DemoMode accepts replies from loopback regardless of the target IP.
	DemoMode bool

	requests chan *request

	mu      sync.Mutex
	pending *request           // the single in-flight request
	replyCh chan udpchannel.Message
	closed  bool
}

func NewTransport(channel sender, retry RetryConfig) *Transport {
	return &Transport{
		channel:  channel,
		retry:    retry,
		logger:   slog.Default().With("component", "wallbox"),
		requests: make(chan *request, queueSize),
	}
}

// SendCommand enqueues the command, waits for a validated reply and returns it
// parsed. The context bounds the total wait including queueing.
func (t *Transport) SendCommand(ctx context.Context, ip, command string) (Result, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	req := &request{ip: ip, command: command, done: make(chan response, 1)}

	select {
	case t.requests <- req:
	default:
		return nil, fmt.Errorf("wallbox: command queue full")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-req.done:
		return resp.result, resp.err
	}
}

// SendCommandNoResponse transmits the command fire-and-forget, bypassing the
// queue. Used for best-effort sends where the caller cannot wait.
func (t *Transport) SendCommandNoResponse(ip, command string) error {
	return t.channel.Send(ip, command)
}

// Run services the FIFO queue until the context is cancelled. At most one
// request is in flight at any time.
func (t *Transport) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.requests:
			resp := t.execute(ctx, req)
			req.done <- resp

			if resp.err == nil {
				// pacing gap before servicing the next queued command
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pacingDelay):
				}
			}
		}
	}
}

// execute performs one command with timeout and backoff retry.
func (t *Transport) execute(ctx context.Context, req *request) response {
	replyCh := make(chan udpchannel.Message, 4)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return response{err: ErrClosed}
	}
	t.pending = req
	t.replyCh = replyCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.pending = nil
		t.replyCh = nil
		t.mu.Unlock()
	}()

	delay := t.retry.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= t.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			t.logger.Debug("Retrying wallbox command", "command", req.command, "attempt", attempt)
			select {
			case <-ctx.Done():
				return response{err: ctx.Err()}
			case <-time.After(delay):
			}
			delay *= time.Duration(t.retry.BackoffFactor)
		}

		if err := t.channel.Send(req.ip, req.command); err != nil {
			// transport error: tear down and surface immediately
			return response{err: err}
		}

		result, err := t.awaitReply(ctx, req, replyCh)
		if err == nil {
			return response{result: result}
		}
		if !errors.Is(err, ErrTimeout) {
			return response{err: err}
		}
		lastErr = err
	}

	t.logger.Warn("Wallbox command timed out after all attempts", "command", req.command, "attempts", t.retry.MaxAttempts)
	return response{err: lastErr}
}

// awaitReply waits for a message that validates for the command. Messages
// failing validation are silently ignored: this is how spontaneous broadcasts
// are dropped without corrupting the in-flight request.
func (t *Transport) awaitReply(ctx context.Context, req *request, replyCh chan udpchannel.Message) (Result, error) {
	timeout := time.NewTimer(t.retry.AttemptTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, ErrTimeout
		case msg := <-replyCh:
			if !t.fromExpectedEndpoint(msg, req.ip) {
				continue
			}

			ok, rejectedReason := validates(msg, req.command)
			if rejectedReason != "" {
				return nil, &CommandRejectedError{Command: req.command, Reason: rejectedReason}
			}
			if !ok {
				continue
			}

			result, err := parseReply(msg.Raw)
			if err != nil {
				return nil, err
			}
			return result, nil
		}
	}
}

// fromExpectedEndpoint checks that the reply originates from the target
// device, or from loopback when running against the mock wallbox.
func (t *Transport) fromExpectedEndpoint(msg udpchannel.Message, ip string) bool {
	if msg.Addr == nil {
		return true // locally re-emitted broadcast
	}
	if msg.Addr.IP.String() == ip {
		return true
	}
	return t.DemoMode && msg.Addr.IP.IsLoopback()
}

// validates applies the per-command reply validation rules. The second return
// value carries the device's rejection reason when the reply is a TCH-ERR for
// a write command.
func validates(msg udpchannel.Message, command string) (bool, string) {
	if n, isReport := reportNumber(command); isReport {
		if !msg.IsBroadcastClass() || !msg.HasID || !idMatches(msg, n) {
			return false, ""
		}
		for _, field := range reportFields[n] {
			if _, ok := msg.JSON[field]; ok {
				return true, ""
			}
		}
		return false, ""
	}

	if strings.HasPrefix(command, "ena ") || strings.HasPrefix(command, "curr ") {
		if !msg.IsCommandClass() || !msg.HasAckToken {
			return false, ""
		}
		if strings.Contains(msg.Raw, "TCH-OK") {
			return true, ""
		}
		// TCH-ERR: surface the device's reason
		_, reason, _ := strings.Cut(msg.Raw, "TCH-ERR")
		return false, strings.TrimSpace(strings.TrimPrefix(reason, ":"))
	}

	// all other commands accept any command-class payload
	return msg.IsCommandClass(), ""
}

// HandleMessage feeds inbound datagrams to the in-flight request, if any.
func (t *Transport) HandleMessage(msg udpchannel.Message) {
	t.mu.Lock()
	replyCh := t.replyCh
	t.mu.Unlock()

	if replyCh == nil {
		return
	}
	select {
	case replyCh <- msg:
	default:
		// the in-flight request is not draining; drop rather than block the channel
	}
}

// HandleChannelShutdown rejects queued and in-flight requests with ErrClosed.
func (t *Transport) HandleChannelShutdown() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	for {
		select {
		case req := <-t.requests:
			req.done <- response{err: ErrClosed}
		default:
			return
		}
	}
}

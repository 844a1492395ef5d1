package invertercli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/pvcharge/pvcharge/store"
)

// minInvocationGap is the rate limit across all CLI invocations; the vendor
// tool misbehaves when spawned back to back.
const minInvocationGap = 5 * time.Second

// ErrNotConfigured is returned when the inverter integration is disabled or
// has no command configured for the requested operation.
var ErrNotConfigured = errors.New("inverter CLI is not configured")

// CLIError wraps a non-zero exit of the vendor tool.
type CLIError struct {
	ExitCode int
	Output   string
}

func (e *CLIError) Error() string {
	return fmt.Sprintf("inverter CLI exited with code %d", e.ExitCode)
}

// Pauser suspends and resumes the Modbus poller around CLI commands that
// cannot share the device.
type Pauser interface {
	Pause()
	Resume()
}

// argSpec describes one allowed flag: how many arguments it takes and how to
// validate them.
type argSpec struct {
	minArgs  int
	maxArgs  int
	validate func(args []string) error
}

func numeric(args []string) error {
	for _, arg := range args {
		if _, err := strconv.Atoi(arg); err != nil {
			return fmt.Errorf("%q is not a number", arg)
		}
	}
	return nil
}

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// allowedFlags is the strict allow-list of vendor CLI flags; anything else is
// rejected before a process is spawned.
var allowedFlags = map[string]argSpec{
	"-a": {0, 0, nil},
	"-c": {1, 1, numeric},
	"-d": {1, 1, numeric},
	"-e": {1, 1, numeric},
	"-s": {1, 2, func(args []string) error {
		if len(args) == 2 {
			return numeric(args[1:])
		}
		return nil
	}},
	"-r": {1, 1, nil},
	"-l": {0, 1, numeric},
	"-H": {1, 1, func(args []string) error {
		switch args[0] {
		case "day", "week", "month", "year":
			return nil
		}
		return fmt.Errorf("%q is not a valid history range", args[0])
	}},
	"-D": {1, 1, func(args []string) error {
		if !datePattern.MatchString(args[0]) {
			return fmt.Errorf("%q is not a YYYY-MM-DD date", args[0])
		}
		return nil
	}},
	"-m": {1, 1, numeric},
	"-q": {0, 0, nil},
	"-E": {1, 1, numeric},
}

// ValidateArgs checks an argument vector against the allow-list.
func ValidateArgs(args []string) error {
	if len(args) == 0 {
		return errors.New("empty command")
	}

	for i := 0; i < len(args); {
		flag := args[i]
		spec, ok := allowedFlags[flag]
		if !ok {
			return fmt.Errorf("flag %q is not allowed", flag)
		}
		i++

		var flagArgs []string
		for len(flagArgs) < spec.maxArgs && i < len(args) && !strings.HasPrefix(args[i], "-") {
			flagArgs = append(flagArgs, args[i])
			i++
		}
		if len(flagArgs) < spec.minArgs {
			return fmt.Errorf("flag %q needs %d argument(s)", flag, spec.minArgs)
		}
		if spec.validate != nil {
			if err := spec.validate(flagArgs); err != nil {
				return fmt.Errorf("flag %q: %w", flag, err)
			}
		}
	}
	return nil
}

// Gateway spawns the inverter vendor CLI with validated arguments, pacing all
// invocations and pausing the Modbus poller where the tool needs the device
// to itself.
type Gateway struct {
	store  store.Store
	pauser Pauser
	binary string
	logger *slog.Logger

	// runner is the process-spawn seam, replaced in tests and demo mode
	runner func(ctx context.Context, args []string) (string, error)

	rateLimit time.Duration

	mu             sync.Mutex
	lastInvocation time.Time
}

func NewGateway(s store.Store, pauser Pauser, binary string) *Gateway {
	g := &Gateway{
		store:     s,
		pauser:    pauser,
		binary:    binary,
		logger:    slog.Default().With("component", "invertercli"),
		rateLimit: minInvocationGap,
	}
	if binary == "" {
		g.runner = g.runMock
	} else {
		g.runner = g.runBinary
	}
	return g
}

// Execute validates and runs one CLI invocation. Emergency-power grid
// charging (-e with a positive value) takes the device away from Modbus, so
// the poller is paused around it.
func (g *Gateway) Execute(ctx context.Context, args []string) (string, error) {
	return g.execute(ctx, args, true)
}

// ExecuteConsole runs a user-typed command line through the same allow-list.
// Console commands skip the Modbus pause for fast debugging.
func (g *Gateway) ExecuteConsole(ctx context.Context, commandLine string) (string, error) {
	args, err := shellquote.Split(commandLine)
	if err != nil {
		return "", fmt.Errorf("parse command line: %w", err)
	}
	return g.execute(ctx, args, false)
}

func (g *Gateway) execute(ctx context.Context, args []string, allowPause bool) (string, error) {
	if err := ValidateArgs(args); err != nil {
		return "", err
	}

	settings, err := g.store.Settings()
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	if !settings.E3dc.Enabled && g.binary != "" {
		return "", ErrNotConfigured
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.awaitRateLimit(ctx)

	pause := allowPause && needsModbusPause(args)
	pauseDelay := time.Duration(settings.E3dc.ModbusPauseSeconds) * time.Second
	if pause {
		g.pauser.Pause()
		sleepCtx(ctx, pauseDelay)
		defer func() {
			sleepCtx(ctx, pauseDelay)
			g.pauser.Resume()
		}()
	}

	g.logger.Info("Running inverter CLI", "args", Redact(strings.Join(args, " ")))
	output, err := g.runner(ctx, args)
	g.lastInvocation = time.Now()
	if err != nil {
		g.logger.Warn("Inverter CLI failed", "error", err, "output", Redact(output))
		return output, err
	}
	return output, nil
}

// awaitRateLimit sleeps until the minimum gap since the last invocation has
// passed. Called with the gateway mutex held, so waiters queue up.
func (g *Gateway) awaitRateLimit(ctx context.Context) {
	wait := g.rateLimit - time.Since(g.lastInvocation)
	if wait > 0 {
		g.logger.Debug("Rate limiting inverter CLI", "wait", wait)
		sleepCtx(ctx, wait)
	}
}

// needsModbusPause reports whether the argument vector activates
// emergency-power grid charging.
func needsModbusPause(args []string) bool {
	for i, arg := range args {
		if arg == "-e" && i+1 < len(args) {
			if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
				return true
			}
		}
	}
	return false
}

func (g *Gateway) runBinary(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &CLIError{ExitCode: exitErr.ExitCode(), Output: output}
		}
		return output, fmt.Errorf("spawn inverter CLI: %w", err)
	}
	return output, nil
}

func (g *Gateway) runMock(ctx context.Context, args []string) (string, error) {
	g.logger.Info("Mock inverter CLI invoked", "args", strings.Join(args, " "))
	return fmt.Sprintf("OK (mock): %s\n", strings.Join(args, " ")), nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password=)\S+`),
	regexp.MustCompile(`(?i)(--token[= ])\S+`),
	regexp.MustCompile(`(?i)(apikey=)\S+`),
}

// Redact masks credential-looking tokens before a string reaches the logs.
func Redact(s string) string {
	for _, pattern := range redactPatterns {
		s = pattern.ReplaceAllString(s, "${1}***")
	}
	return s
}

package allocator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Handle is the opaque allocation token printed by the allocator. On the
// clusters we target it is the path to a GPU-allocation descriptor file.
type Handle string

// String returns the raw handle.
func (h Handle) String() string {
	return string(h)
}

// Config configures a Client.
type Config struct {
	// Executable is the allocator program. Default: "ccc".
	Executable string

	// AcquireArgs are the subcommand arguments placed before the request
	// flags. Default: ["gpus"].
	AcquireArgs []string
}

// DefaultConfig returns the default allocator client configuration.
func DefaultConfig() Config {
	return Config{
		Executable:  "ccc",
		AcquireArgs: []string{"gpus"},
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRunner replaces the subprocess runner.
func WithRunner(r CommandRunner) Option {
	return func(c *Client) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithRemove replaces the function used to delete the descriptor on release.
func WithRemove(fn func(string) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.remove = fn
		}
	}
}

// Client talks to the external GPU allocator.
type Client struct {
	cfg    Config
	runner CommandRunner
	remove func(string) error
	logger *zap.Logger
}

// New creates a Client. Zero-valued config fields take their defaults.
func New(cfg Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if cfg.Executable == "" {
		cfg.Executable = defaults.Executable
	}
	if cfg.AcquireArgs == nil {
		cfg.AcquireArgs = defaults.AcquireArgs
	}

	c := &Client{
		cfg:    cfg,
		runner: ExecRunner{},
		remove: os.Remove,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Command returns the full argv Acquire would run for req.
func (c *Client) Command(req Request) []string {
	argv := make([]string, 0, 1+len(c.cfg.AcquireArgs)+16)
	argv = append(argv, c.cfg.Executable)
	argv = append(argv, c.cfg.AcquireArgs...)
	argv = append(argv, req.Args()...)
	return argv
}

// Acquire requests GPUs and blocks until the allocator exits.
//
// The allocator must print exactly one non-empty line on stdout: the
// allocation handle. Any other result is an *AllocationError.
func (c *Client) Acquire(ctx context.Context, req Request) (Handle, error) {
	argv := c.Command(req)

	if err := req.Validate(); err != nil {
		return "", &AllocationError{Args: argv, ExitCode: -1, Err: err}
	}

	c.logger.Info("acquiring gpus",
		zap.Int("gpus", req.GPUs),
		zap.Int("tasks", req.Tasks),
		zap.String("wait", req.Wait.String()),
		zap.String("command", strings.Join(argv, " ")),
	)

	stdout, stderr, err := c.runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		aerr := &AllocationError{
			Args:     argv,
			ExitCode: -1,
			Stderr:   strings.TrimSpace(string(stderr)),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			aerr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			aerr.Err = errors.Join(ctxErr, err)
		}
		return "", aerr
	}

	handle, err := parseHandle(stdout)
	if err != nil {
		return "", &AllocationError{
			Args:     argv,
			ExitCode: 0,
			Stderr:   strings.TrimSpace(string(stderr)),
			Err:      err,
		}
	}

	c.logger.Info("gpus acquired", zap.String("handle", handle.String()))
	return handle, nil
}

// parseHandle accepts exactly one non-empty line, ignoring surrounding
// whitespace and a trailing newline.
func parseHandle(stdout []byte) (Handle, error) {
	out := strings.TrimSpace(string(stdout))
	if out == "" {
		return "", ErrEmptyHandle
	}
	if strings.ContainsAny(out, "\r\n") {
		return "", ErrMalformedHandle
	}
	return Handle(out), nil
}

// Release removes the allocation descriptor.
//
// A descriptor that is already gone is not an error. A removal failure is
// logged as a warning and returned as *ReleaseError; it must never change a
// job's status.
func (c *Client) Release(_ context.Context, h Handle) error {
	if h == "" {
		return nil
	}

	err := c.remove(h.String())
	switch {
	case err == nil:
		c.logger.Info("released gpus", zap.String("handle", h.String()))
		return nil
	case errors.Is(err, fs.ErrNotExist):
		c.logger.Info("allocation descriptor already removed", zap.String("handle", h.String()))
		return nil
	default:
		c.logger.Warn("failed to release gpus",
			zap.String("handle", h.String()),
			zap.Error(err),
		)
		return &ReleaseError{Handle: h, Err: err}
	}
}

package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrUnsupported is returned when a platform has no binding for an operation
var ErrUnsupported = errors.New("operation not supported on this platform")

// Platform is the OS binding behind notifications and the clipboard
type Platform interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
	ReadClipboard(ctx context.Context, limit int64) (string, error)
	WriteClipboard(ctx context.Context, text string) error
}

// Command is a fixed binary plus leading arguments. Values are passed as
// separate arguments or on stdin, never through a shell.
type Command struct {
	Path string
	Args []string
}

// ExecPlatform drives OS tools through exec
type ExecPlatform struct {
	NotifyCmd *Command // see Notify for argument placement
	ReadCmd   *Command // clipboard text on stdout
	WriteCmd  *Command // clipboard text on stdin
	Timeout   time.Duration
}

// DetectPlatform picks the exec bindings available on this host, or the memory
// platform when none are found.
func DetectPlatform() Platform {
	p := &ExecPlatform{Timeout: 5 * time.Second}
	switch runtime.GOOS {
	case "darwin":
		p.NotifyCmd = lookup("terminal-notifier", "-title", "{}", "-message", "{}")
		p.ReadCmd = lookup("pbpaste")
		p.WriteCmd = lookup("pbcopy")
	case "windows":
		p.ReadCmd = lookup("powershell", "-NoProfile", "-Command", "Get-Clipboard -Raw")
		p.WriteCmd = lookup("clip")
	default:
		p.NotifyCmd = lookup("notify-send", "--app-name=port")
		p.ReadCmd = firstOf(
			lookup("wl-paste", "--no-newline"),
			lookup("xclip", "-selection", "clipboard", "-o"),
			lookup("xsel", "--clipboard", "--output"),
		)
		p.WriteCmd = firstOf(
			lookup("wl-copy"),
			lookup("xclip", "-selection", "clipboard", "-i"),
			lookup("xsel", "--clipboard", "--input"),
		)
	}
	if p.NotifyCmd == nil && p.ReadCmd == nil && p.WriteCmd == nil {
		return NewMemoryPlatform()
	}
	return p
}

func lookup(name string, args ...string) *Command {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil
	}
	return &Command{Path: path, Args: args}
}

func firstOf(cmds ...*Command) *Command {
	for _, c := range cmds {
		if c != nil {
			return c
		}
	}
	return nil
}

// Name implements Platform
func (p *ExecPlatform) Name() string { return "exec" }

func (p *ExecPlatform) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

// Notify implements Platform. Arguments equal to "{}" are replaced by title then body;
// without placeholders title and body are appended.
func (p *ExecPlatform) Notify(ctx context.Context, n Notification) error {
	if p.NotifyCmd == nil {
		return ErrUnsupported
	}
	ctx, cancel := p.context(ctx)
	defer cancel()

	values := []string{n.Title, n.Body}
	args := make([]string, 0, len(p.NotifyCmd.Args)+2)
	for _, a := range p.NotifyCmd.Args {
		if a == "{}" && len(values) > 0 {
			a, values = values[0], values[1:]
		}
		args = append(args, a)
	}
	if len(values) == 2 {
		args = append(args, "--", n.Title, n.Body)
	}

	out, err := exec.CommandContext(ctx, p.NotifyCmd.Path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", p.NotifyCmd.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ReadClipboard implements Platform
func (p *ExecPlatform) ReadClipboard(ctx context.Context, limit int64) (string, error) {
	if p.ReadCmd == nil {
		return "", ErrUnsupported
	}
	ctx, cancel := p.context(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ReadCmd.Path, p.ReadCmd.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}
	data, readErr := io.ReadAll(io.LimitReader(stdout, limit+1))
	if int64(len(data)) > limit {
		cancel()
	}
	waitErr := cmd.Wait()
	if int64(len(data)) > limit {
		return string(data), nil
	}
	if readErr != nil {
		return "", readErr
	}
	if waitErr != nil {
		return "", fmt.Errorf("%s: %w", p.ReadCmd.Path, waitErr)
	}
	return string(data), nil
}

// WriteClipboard implements Platform
func (p *ExecPlatform) WriteClipboard(ctx context.Context, text string) error {
	if p.WriteCmd == nil {
		return ErrUnsupported
	}
	ctx, cancel := p.context(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.WriteCmd.Path, p.WriteCmd.Args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", p.WriteCmd.Path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// MemoryPlatform keeps the clipboard and delivered notifications in process
type MemoryPlatform struct {
	mu        sync.Mutex
	clipboard string
	delivered []Notification
}

// NewMemoryPlatform creates an empty memory platform
func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{}
}

// Name implements Platform
func (m *MemoryPlatform) Name() string { return "memory" }

// Notify implements Platform
func (m *MemoryPlatform) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, n)
	return nil
}

// Delivered returns the notifications seen so far
func (m *MemoryPlatform) Delivered() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.delivered...)
}

// ReadClipboard implements Platform
func (m *MemoryPlatform) ReadClipboard(ctx context.Context, limit int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clipboard, nil
}

// WriteClipboard implements Platform
func (m *MemoryPlatform) WriteClipboard(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clipboard = text
	return nil
}

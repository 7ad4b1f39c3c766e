package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/jsdap/internal/cdp"
)

// Browser is a launched browser process with its CDP connection over the
// debugging pipe.
type Browser struct {
	cmd     *exec.Cmd
	conn    *cdp.Connection
	dataDir string // temp profile dir, removed on close; empty otherwise
}

// LaunchBrowser starts a Chrome-style browser with --remote-debugging-pipe
// and connects to it. The pipe uses file descriptors 3 (browser reads) and
// 4 (browser writes).
func LaunchBrowser(ctx context.Context, config *Config) (*Browser, error) {
	bin := config.RuntimeExecutable
	if bin == "" {
		var err error
		bin, err = FindChrome()
		if err != nil {
			return nil, err
		}
	}

	// fd 3: browser's stdin-like command pipe; fd 4: its output pipe.
	browserRead, adapterWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create command pipe: %w", err)
	}
	adapterRead, browserWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}

	dataDir := config.UserDataDir
	createdTempDir := false
	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "jsdap-chrome-*")
		if err != nil {
			return nil, fmt.Errorf("create temp dir: %w", err)
		}
		createdTempDir = true
	}

	args := browserArgs(config, dataDir)
	cmd := exec.Command(bin, args...)
	cmd.ExtraFiles = []*os.File{browserRead, browserWrite}
	if len(config.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), config.Env)
	}

	logrus.WithFields(logrus.Fields{"bin": bin, "args": args}).Debug("launch: starting browser")
	if err := cmd.Start(); err != nil {
		adapterWrite.Close()
		adapterRead.Close()
		if createdTempDir {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}
	// The child holds its own copies.
	browserRead.Close()
	browserWrite.Close()

	transport := cdp.NewPipeTransport(adapterRead, adapterWrite)
	b := &Browser{
		cmd:  cmd,
		conn: cdp.NewConnection(transport),
	}
	if createdTempDir {
		b.dataDir = dataDir
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			logrus.WithError(err).Debug("launch: browser exited")
		}
	}()

	return b, nil
}

// browserArgs constructs the browser command line. The hygiene flags keep
// first-run dialogs, throttling and background networking from interfering
// with the debug session.
func browserArgs(config *Config, dataDir string) []string {
	args := []string{
		"--remote-debugging-pipe",

		// Prevent first-run dialogs
		"--no-first-run",
		"--no-default-browser-check",

		// Reduce background network noise
		"--disable-background-networking",
		"--disable-sync",

		// Prevent throttling that breaks CDP responsiveness
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--disable-hang-monitor",
		"--disable-ipc-flooding-protection",

		// Disable monitoring/crash reporting
		"--disable-breakpad",
		"--disable-client-side-phishing-detection",

		// Prevent blocking dialogs
		"--disable-prompt-on-repost",

		// Container/CI compatibility
		"--disable-dev-shm-usage",
	}

	// Platform-specific flags to avoid system dialogs
	switch runtime.GOOS {
	case "darwin":
		args = append(args, "--use-mock-keychain")
	case "linux":
		args = append(args, "--password-store=basic")
	}

	if config.Headless {
		args = append(args, "--headless")
	}
	if dataDir != "" {
		args = append(args, fmt.Sprintf("--user-data-dir=%s", dataDir))
	}
	args = append(args, config.RuntimeArgs...)

	if config.URL != "" {
		args = append(args, config.URL)
	} else {
		args = append(args, "about:blank")
	}
	return args
}

// Connection returns the browser-level CDP connection.
func (b *Browser) Connection() *cdp.Connection {
	return b.conn
}

// Pid returns the browser process id, 0 if unknown.
func (b *Browser) Pid() int {
	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Pid
	}
	return 0
}

// Close disconnects and reaps the launched process and its temp profile.
func (b *Browser) Close() {
	b.conn.Close()
	b.Kill()
	if b.dataDir != "" {
		os.RemoveAll(b.dataDir)
	}
}

// Kill force-stops the browser process.
func (b *Browser) Kill() {
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := append([]string(nil), base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

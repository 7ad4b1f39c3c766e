package launch

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/jsdap/internal/cdp"
)

//go:embed bootloader.js
var bootloaderJS []byte

// pipeCounter distinguishes concurrent discovery pipes of one process.
var pipeCounter atomic.Int64

// Node runs a Node-style debuggee: a discovery pipe the runtime's
// bootloader dials back on, plus the spawned process itself. Every child
// process that inherits the environment yields one CDP connection.
type Node struct {
	cmd      *exec.Cmd
	listener net.Listener
	pipePath string
	workDir  string

	closeOnce sync.Once
}

// StartNode spawns the configured program under Node with the inspector
// IPC environment. onConnection fires for each debuggee process that dials
// the discovery pipe.
func StartNode(ctx context.Context, config *Config, onConnection func(conn *cdp.Connection, name string)) (*Node, error) {
	if config.Program == "" {
		return nil, errors.New("launch configuration needs a program")
	}

	bin := config.RuntimeExecutable
	if bin == "" {
		var err error
		bin, err = FindNode()
		if err != nil {
			return nil, fmt.Errorf("find node: %w", err)
		}
	}

	workDir, err := os.MkdirTemp("", "jsdap-node-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	bootloader := filepath.Join(workDir, "bootloader.js")
	if err := os.WriteFile(bootloader, bootloaderJS, 0600); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("write bootloader: %w", err)
	}

	pipePath := discoveryPipePath()
	listener, err := net.Listen("unix", pipePath)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("create discovery pipe: %w", err)
	}
	if err := os.Chmod(pipePath, 0600); err != nil {
		listener.Close()
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("restrict discovery pipe: %w", err)
	}

	args := append(append([]string{}, config.RuntimeArgs...), config.Program)
	args = append(args, config.Args...)
	cmd := exec.Command(bin, args...)
	cmd.Dir = config.Cwd
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = mergeEnv(os.Environ(), config.Env)
	cmd.Env = append(cmd.Env,
		"NODE_INSPECTOR_IPC="+pipePath,
		"NODE_OPTIONS=--require "+bootloader,
	)

	logrus.WithFields(logrus.Fields{"bin": bin, "args": args, "pipe": pipePath}).
		Debug("launch: starting node")
	if err := cmd.Start(); err != nil {
		listener.Close()
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("start node: %w", err)
	}

	n := &Node{
		cmd:      cmd,
		listener: listener,
		pipePath: pipePath,
		workDir:  workDir,
	}

	go n.accept(onConnection)
	go func() {
		if err := cmd.Wait(); err != nil {
			logrus.WithError(err).Debug("launch: node exited")
		}
	}()

	return n, nil
}

// accept adopts each connecting debuggee process.
func (n *Node) accept(onConnection func(conn *cdp.Connection, name string)) {
	for i := 1; ; i++ {
		conn, err := n.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithError(err).Debug("launch: discovery accept failed")
			}
			return
		}
		transport := cdp.NewPipeTransport(conn, conn)
		name := fmt.Sprintf("node process %d", i)
		onConnection(cdp.NewConnection(transport), name)
	}
}

// discoveryPipePath builds the per-process discovery pipe name.
func discoveryPipePath() string {
	name := fmt.Sprintf("node-cdp.%d-%d.sock", os.Getpid(), pipeCounter.Add(1))
	if runtime.GOOS == "windows" {
		return `\\.\pipe\` + name
	}
	return filepath.Join(os.TempDir(), name)
}

// Pid returns the launched process id, 0 if unknown.
func (n *Node) Pid() int {
	if n.cmd != nil && n.cmd.Process != nil {
		return n.cmd.Process.Pid
	}
	return 0
}

// Kill force-stops the debuggee process.
func (n *Node) Kill() {
	if n.cmd != nil && n.cmd.Process != nil {
		_ = n.cmd.Process.Kill()
	}
}

// Close stops the discovery pipe and the debuggee.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.listener.Close()
		os.Remove(n.pipePath)
		n.Kill()
		os.RemoveAll(n.workDir)
	})
}

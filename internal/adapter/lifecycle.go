package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/jsdap/internal/cdp"
	dapconn "github.com/grantcarthew/jsdap/internal/dap"
	"github.com/grantcarthew/jsdap/internal/launch"
	"github.com/grantcarthew/jsdap/internal/sources"
)

func (a *Adapter) onInitialize(req *dap.InitializeRequest) error {
	a.mu.Lock()
	if a.state != StateCreated {
		a.mu.Unlock()
		return fmt.Errorf("initialize may only be sent once")
	}
	a.state = StateInitialized
	a.mu.Unlock()

	resp := &dap.InitializeResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsRestartRequest:           true,
		SupportsLoadedSourcesRequest:     true,
		SupportsCompletionsRequest:       true,
		SupportsTerminateRequest:         true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: "all", Label: "All Exceptions"},
			{Filter: "uncaught", Label: "Uncaught Exceptions", Default: true},
		},
	}
	a.conn.Reply(resp)

	a.emit(&dap.InitializedEvent{Event: a.newEvent("initialized")})
	return nil
}

func (a *Adapter) onConfigurationDone(req *dap.ConfigurationDoneRequest) error {
	a.mu.Lock()
	if a.state >= StateInitialized && a.state < StateConfigured {
		a.state = StateConfigured
		if a.launched {
			a.state = StateLaunched
		}
	}
	a.mu.Unlock()

	resp := &dap.ConfigurationDoneResponse{Response: dapconn.NewResponse(req)}
	a.conn.Reply(resp)
	a.markConfigured()
	return nil
}

func (a *Adapter) onLaunch(ctx context.Context, req *dap.LaunchRequest) error {
	config, err := launch.ParseConfig(req.Arguments)
	if err == nil {
		config.Request = "launch"
		err = a.startDebuggee(ctx, config)
	}
	if err != nil {
		a.failLaunch(req, err)
		return nil
	}
	a.conn.Reply(&dap.LaunchResponse{Response: dapconn.NewResponse(req)})
	return nil
}

func (a *Adapter) onAttach(ctx context.Context, req *dap.AttachRequest) error {
	config, err := launch.ParseConfig(req.Arguments)
	if err == nil {
		config.Request = "attach"
		err = a.startDebuggee(ctx, config)
	}
	if err != nil {
		a.failLaunch(req, err)
		return nil
	}
	a.conn.Reply(&dap.AttachResponse{Response: dapconn.NewResponse(req)})
	return nil
}

// failLaunch surfaces a configuration or boot error and ends the session:
// there is nothing left to debug.
func (a *Adapter) failLaunch(req dap.RequestMessage, err error) {
	a.reportConfigError(err)
	a.conn.ReplyError(req, dapconn.ErrHandlerFailed, err.Error(), true)
	a.terminateSession(1)
}

// startDebuggee boots or attaches the runtime described by config and
// starts target discovery on the resulting connection.
func (a *Adapter) startDebuggee(ctx context.Context, config *launch.Config) error {
	overrides, err := sources.CompileOverrides(config.SourceMapPathOverrides)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.config != nil {
		a.mu.Unlock()
		return fmt.Errorf("a debuggee is already running")
	}
	a.config = config
	a.mu.Unlock()
	a.sources.SetOverrides(overrides)

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout())
	defer cancel()

	start := func() error {
		switch {
		case config.IsNode():
			node, err := launch.StartNode(ctx, config, func(conn *cdp.Connection, name string) {
				a.adoptNodeConnection(conn, name)
			})
			if err != nil {
				return err
			}
			a.mu.Lock()
			a.node = node
			a.mu.Unlock()
			return nil

		case config.Request == "attach":
			conn, err := cdp.Dial(ctx, config.Endpoint())
			if err != nil {
				return err
			}
			return a.adoptBrowserConnection(ctx, conn)

		default:
			browser, err := launch.LaunchBrowser(ctx, config)
			if err != nil {
				return err
			}
			a.mu.Lock()
			a.browser = browser
			a.mu.Unlock()
			return a.adoptBrowserConnection(ctx, browser.Connection())
		}
	}

	if err := start(); err != nil {
		a.mu.Lock()
		a.config = nil
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *Adapter) adoptBrowserConnection(ctx context.Context, conn *cdp.Connection) error {
	tm := newTargetManager(a, conn)
	a.mu.Lock()
	a.tm = tm
	a.conns[conn] = struct{}{}
	a.mu.Unlock()

	go a.watchConnection(conn)
	return tm.Start(ctx)
}

// adoptNodeConnection registers one Node child process connection. Each
// connecting child is its own debuggable target.
func (a *Adapter) adoptNodeConnection(conn *cdp.Connection, name string) {
	a.mu.Lock()
	tm := a.tm
	if tm == nil {
		tm = newTargetManager(a, conn)
		a.tm = tm
	}
	a.conns[conn] = struct{}{}
	a.mu.Unlock()

	// Node children spawn suspended until runIfWaitingForDebugger.
	tm.AdoptRoot(context.Background(), name, name, true)
	go a.watchConnection(conn)
}

// watchConnection surfaces CDP transport loss as session exit.
func (a *Adapter) watchConnection(conn *cdp.Connection) {
	<-conn.Done()
	if err := conn.Err(); err != nil {
		logrus.WithError(err).Debug("adapter: cdp connection ended")
	}

	a.mu.Lock()
	_, current := a.conns[conn]
	done := a.state == StateTerminated
	a.mu.Unlock()
	if done || !current {
		// Retired by restart or shutdown; not a debuggee exit.
		return
	}
	a.terminateSession(0)
}

// terminateSession tears the session down once and reports it to the
// client.
func (a *Adapter) terminateSession(exitCode int) {
	a.terminatedOnce.Do(func() {
		a.Shutdown()

		exited := &dap.ExitedEvent{Event: a.newEvent("exited")}
		exited.Body = dap.ExitedEventBody{ExitCode: exitCode}
		a.conn.SendEvent(exited)
		a.conn.SendEvent(&dap.TerminatedEvent{Event: a.newEvent("terminated")})
	})
}

// reportConfigError surfaces a launch failure as console output; the
// request's own error response carries the same message.
func (a *Adapter) reportConfigError(err error) {
	event := &dap.OutputEvent{Event: a.newEvent("output")}
	event.Body = dap.OutputEventBody{
		Category: "stderr",
		Output:   err.Error() + "\n",
	}
	a.conn.SendEvent(event)
}

func (a *Adapter) onRestart(ctx context.Context, req *dap.RestartRequest) error {
	a.mu.Lock()
	config := a.config
	tm := a.tm
	browser := a.browser
	node := a.node
	retired := a.conns
	a.config = nil
	a.tm = nil
	a.browser = nil
	a.node = nil
	a.conns = make(map[*cdp.Connection]struct{})
	a.launched = false
	a.mainTarget = nil
	a.mu.Unlock()

	if config == nil {
		return fmt.Errorf("nothing to restart")
	}
	if tm != nil {
		tm.DisposeAll()
	}
	if browser != nil {
		browser.Close()
	}
	if node != nil {
		node.Close()
	}
	for conn := range retired {
		conn.Close()
	}
	a.vars.InvalidateAll()

	if err := a.startDebuggee(ctx, config.Clone()); err != nil {
		return err
	}

	a.conn.Reply(&dap.RestartResponse{Response: dapconn.NewResponse(req)})
	return nil
}

func (a *Adapter) onTerminate(ctx context.Context, req *dap.TerminateRequest) error {
	a.mu.Lock()
	browser := a.browser
	node := a.node
	a.mu.Unlock()

	// Ask the runtime to exit; transport loss finishes the teardown.
	if browser != nil {
		if root := browser.Connection().RootSession(); root != nil {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if _, err := root.Send(ctx, "Browser.close", nil); err != nil {
				browser.Kill()
			}
		}
	}
	if node != nil {
		node.Kill()
	}

	a.conn.Reply(&dap.TerminateResponse{Response: dapconn.NewResponse(req)})
	return nil
}

func (a *Adapter) onDisconnect(req *dap.DisconnectRequest) error {
	a.mu.Lock()
	launched := a.config != nil && a.config.Request == "launch"
	browser := a.browser
	node := a.node
	a.mu.Unlock()

	// Launched debuggees die with the session; attached ones survive
	// unless the client asks otherwise.
	terminateDebuggee := launched
	if req.Arguments != nil && req.Arguments.TerminateDebuggee {
		terminateDebuggee = true
	}

	if terminateDebuggee {
		if browser != nil {
			browser.Kill()
		}
		if node != nil {
			node.Kill()
		}
	}

	a.conn.Reply(&dap.DisconnectResponse{Response: dapconn.NewResponse(req)})
	a.terminateSession(0)
	return nil
}

// Package adapter implements the debug session: it owns the DAP connection
// on one side and one or more CDP connections on the other, translating
// requests and projecting runtime state back as events.
package adapter

import (
	"context"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/jsdap/internal/cdp"
	dapconn "github.com/grantcarthew/jsdap/internal/dap"
	"github.com/grantcarthew/jsdap/internal/launch"
	"github.com/grantcarthew/jsdap/internal/sources"
	"github.com/grantcarthew/jsdap/internal/variables"
)

// State tracks the session lifecycle.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateConfigured
	StateLaunched
	StateTerminated
)

// outputBufferSize bounds output events queued before configurationDone.
const outputBufferSize = 1024

// Adapter is one debug session.
type Adapter struct {
	conn *dapconn.Conn

	mu         sync.Mutex
	state      State
	launched   bool
	config     *launch.Config
	tm         *TargetManager
	browser    *launch.Browser
	node       *launch.Node
	mainTarget *Target
	conns      map[*cdp.Connection]struct{}

	sources *sources.Container
	vars    *variables.Store
	frames  *frameStore

	configuredCh   chan struct{}
	configuredOnce sync.Once

	outputBuf *RingBuffer[dap.Message]

	exceptionState string
	breakpoints    map[string]*sourceBreakpoints

	terminatedOnce sync.Once
}

// New creates an adapter bound to a DAP connection.
func New(conn *dapconn.Conn) *Adapter {
	a := &Adapter{
		conn:           conn,
		conns:          make(map[*cdp.Connection]struct{}),
		sources:        sources.NewContainer(sources.PathOverrides{}),
		vars:           variables.NewStore(),
		frames:         newFrameStore(),
		configuredCh:   make(chan struct{}),
		outputBuf:      NewRingBuffer[dap.Message](outputBufferSize),
		exceptionState: "none",
		breakpoints:    make(map[string]*sourceBreakpoints),
	}
	a.wireSources()
	return a
}

// OnRequest dispatches one DAP request. Runs on the connection's dispatch
// goroutines; handler errors become structured error responses.
func (a *Adapter) OnRequest(ctx context.Context, conn *dapconn.Conn, req dap.RequestMessage) {
	if !a.checkState(req) {
		conn.ReplyError(req, dapconn.ErrHandlerFailed, "request sent before initialize", false)
		return
	}

	var err error
	switch r := req.(type) {
	case *dap.InitializeRequest:
		err = a.onInitialize(r)
	case *dap.LaunchRequest:
		err = a.onLaunch(ctx, r)
	case *dap.AttachRequest:
		err = a.onAttach(ctx, r)
	case *dap.ConfigurationDoneRequest:
		err = a.onConfigurationDone(r)
	case *dap.SetBreakpointsRequest:
		err = a.onSetBreakpoints(ctx, r)
	case *dap.SetExceptionBreakpointsRequest:
		err = a.onSetExceptionBreakpoints(ctx, r)
	case *dap.ThreadsRequest:
		err = a.onThreads(r)
	case *dap.StackTraceRequest:
		err = a.onStackTrace(r)
	case *dap.ScopesRequest:
		err = a.onScopes(r)
	case *dap.VariablesRequest:
		err = a.onVariables(ctx, r)
	case *dap.ContinueRequest:
		err = a.onContinue(ctx, r)
	case *dap.PauseRequest:
		err = a.onPause(ctx, r)
	case *dap.NextRequest:
		err = a.onNext(ctx, r)
	case *dap.StepInRequest:
		err = a.onStepIn(ctx, r)
	case *dap.StepOutRequest:
		err = a.onStepOut(ctx, r)
	case *dap.EvaluateRequest:
		err = a.onEvaluate(ctx, r)
	case *dap.CompletionsRequest:
		err = a.onCompletions(ctx, r)
	case *dap.LoadedSourcesRequest:
		err = a.onLoadedSources(r)
	case *dap.SourceRequest:
		err = a.onSource(ctx, r)
	case *dap.RestartRequest:
		err = a.onRestart(ctx, r)
	case *dap.TerminateRequest:
		err = a.onTerminate(ctx, r)
	case *dap.DisconnectRequest:
		err = a.onDisconnect(r)
	default:
		conn.ReplyError(req, dapconn.ErrUnrecognizedRequest,
			"Unsupported request: "+req.GetRequest().Command, false)
		return
	}

	if err != nil {
		logrus.WithError(err).WithField("command", req.GetRequest().Command).
			Debug("adapter: request failed")
		conn.ReplyError(req, dapconn.ErrHandlerFailed, err.Error(), false)
	}
}

// checkState rejects everything but initialize on a fresh session.
func (a *Adapter) checkState(req dap.RequestMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateCreated {
		_, ok := req.(*dap.InitializeRequest)
		return ok
	}
	return true
}

// Shutdown releases everything the session holds. Called when the DAP
// stream ends or the session is torn down by request.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	tm := a.tm
	browser := a.browser
	node := a.node
	conns := a.conns
	a.tm = nil
	a.browser = nil
	a.node = nil
	a.conns = make(map[*cdp.Connection]struct{})
	a.state = StateTerminated
	a.mu.Unlock()

	if tm != nil {
		tm.DisposeAll()
	}
	if browser != nil {
		browser.Close()
	}
	if node != nil {
		node.Close()
	}
	for conn := range conns {
		conn.Close()
	}
	a.vars.InvalidateAll()
}

// emit sends an event, holding output events back until the client has
// finished configuring.
func (a *Adapter) emit(event dap.EventMessage) {
	if _, isOutput := event.(*dap.OutputEvent); isOutput {
		a.mu.Lock()
		gated := a.state < StateConfigured
		a.mu.Unlock()
		if gated {
			a.outputBuf.Push(event)
			return
		}
	}
	a.conn.SendEvent(event)
}

func (a *Adapter) newEvent(name string) dap.Event {
	return dapconn.NewEvent(name)
}

// waitConfigured blocks until configurationDone arrives or ctx ends.
func (a *Adapter) waitConfigured(ctx context.Context) {
	select {
	case <-a.configuredCh:
	case <-ctx.Done():
	}
}

func (a *Adapter) markConfigured() {
	a.configuredOnce.Do(func() {
		close(a.configuredCh)
	})
	for _, msg := range a.outputBuf.Drain() {
		if event, ok := msg.(dap.EventMessage); ok {
			a.conn.SendEvent(event)
		}
	}
}

// onFirstTargetAttached moves the session to Launched and announces the
// debuggee process.
func (a *Adapter) onFirstTargetAttached(t *Target) {
	a.mu.Lock()
	if a.state >= StateConfigured {
		a.state = StateLaunched
	}
	a.launched = true
	a.mainTarget = t
	config := a.config
	browser := a.browser
	node := a.node
	a.mu.Unlock()

	name := t.Title
	if name == "" {
		name = t.URL
	}
	startMethod := "attach"
	pid := 0
	if config != nil && config.Request == "launch" {
		startMethod = "launch"
	}
	if browser != nil {
		pid = browser.Pid()
	} else if node != nil {
		pid = node.Pid()
	}

	event := &dap.ProcessEvent{Event: a.newEvent("process")}
	event.Body = dap.ProcessEventBody{
		Name:            name,
		SystemProcessId: pid,
		IsLocalProcess:  true,
		StartMethod:     startMethod,
	}
	a.emit(event)
}

// mainThread picks the thread evaluate and completions target by default.
func (a *Adapter) mainThread() (*Thread, bool) {
	a.mu.Lock()
	main := a.mainTarget
	tm := a.tm
	a.mu.Unlock()

	if main != nil && main.thread != nil {
		return main.thread, true
	}
	if tm == nil {
		return nil, false
	}
	threads := tm.Threads()
	if len(threads) == 0 {
		return nil, false
	}
	return threads[0], true
}

// wireSources forwards container changes as loadedSource events.
func (a *Adapter) wireSources() {
	a.sources.OnAdded(func(src *sources.Source) {
		event := &dap.LoadedSourceEvent{Event: a.newEvent("loadedSource")}
		event.Body = dap.LoadedSourceEventBody{
			Reason: "new",
			Source: *a.toDapSource(src),
		}
		a.emit(event)
	})
	a.sources.OnRemoved(func(removed []*sources.Source) {
		for _, src := range removed {
			event := &dap.LoadedSourceEvent{Event: a.newEvent("loadedSource")}
			event.Body = dap.LoadedSourceEventBody{
				Reason: "removed",
				Source: *a.toDapSource(src),
			}
			a.emit(event)
		}
	})
}

// toDapSource projects a model source for the client. Sources with a
// filesystem identity go by path; everything else by reference.
func (a *Adapter) toDapSource(src *sources.Source) *dap.Source {
	out := &dap.Source{Name: displayName(src.URL)}
	if path := a.sources.Path(src); path != "" {
		out.Path = path
		return out
	}
	out.SourceReference = int(src.Ref)
	if src.Authored {
		out.Origin = "source map"
	}
	return out
}

// frameStore allocates session-unique stack frame ids.
type frameStore struct {
	mu     sync.Mutex
	nextID int
	frames map[int]frameRef
}

type frameRef struct {
	thread      *Thread
	callFrameID string // empty for label and async frames
}

func newFrameStore() *frameStore {
	return &frameStore{frames: make(map[int]frameRef)}
}

func (f *frameStore) add(t *Thread, callFrameID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.frames[f.nextID] = frameRef{thread: t, callFrameID: callFrameID}
	return f.nextID
}

func (f *frameStore) get(id int) (frameRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.frames[id]
	return ref, ok
}

package adapter

import (
	"context"
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/jsdap/internal/cdp"
	"github.com/grantcarthew/jsdap/internal/sources"
)

// threadIDs allocates process-wide unique thread ids.
var threadIDs atomic.Int64

// CallFrame is one real frame of a pause.
type CallFrame struct {
	CallFrameID  string        `json:"callFrameId"`
	FunctionName string        `json:"functionName"`
	URL          string        `json:"url"`
	Location     ScriptLocation `json:"location"`
}

// ScriptLocation is a 0-based position in a parsed script.
type ScriptLocation struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// AsyncFrame is one frame of an async parent chain.
type AsyncFrame struct {
	FunctionName string `json:"functionName"`
	ScriptID     string `json:"scriptId"`
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// AsyncStackTrace is a chain of async ancestors of a pause.
type AsyncStackTrace struct {
	Description string           `json:"description"`
	CallFrames  []AsyncFrame     `json:"callFrames"`
	Parent      *AsyncStackTrace `json:"parent"`
}

// PausedDetails captures one Debugger.paused notification.
type PausedDetails struct {
	Reason          string
	CallFrames      []CallFrame
	AsyncStackTrace *AsyncStackTrace
	HitBreakpoints  []string
}

// Thread is the debugger-visible face of one debuggable target: paused
// state, the scripts the target has parsed, and the projection of CDP
// pauses into DAP stack traces.
type Thread struct {
	id      int
	adapter *Adapter
	session *cdp.Session

	mu        sync.Mutex
	name      string
	paused    *PausedDetails
	scripts   map[string]*sources.Source
	disposers []func()
	disposed  bool
}

func newThread(a *Adapter, session *cdp.Session, name string) *Thread {
	return &Thread{
		id:      int(threadIDs.Add(1)),
		adapter: a,
		session: session,
		name:    name,
		scripts: make(map[string]*sources.Source),
	}
}

// ID returns the process-wide unique thread id.
func (t *Thread) ID() int {
	return t.id
}

// Name returns the display name.
func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Thread) setName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

// Paused reports whether the thread is stopped in the debugger.
func (t *Thread) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused != nil
}

// init enables the debugging domains, wires event handlers, and resumes the
// target if it was spawned waiting for the debugger. Runs on its own
// goroutine: domain enabling awaits CDP round-trips.
func (t *Thread) init(ctx context.Context, enablePage, waitingForDebugger bool) {
	t.subscribe("Debugger.paused", t.onPaused)
	t.subscribe("Debugger.resumed", func(json.RawMessage) { t.onResumed() })
	t.subscribe("Debugger.scriptParsed", t.onScriptParsed)
	t.subscribe("Runtime.consoleAPICalled", t.onConsoleAPICalled)
	t.subscribe("Runtime.exceptionThrown", t.onExceptionThrown)

	for _, method := range []string{"Runtime.enable", "Debugger.enable"} {
		if _, err := t.session.Send(ctx, method, nil); err != nil {
			logrus.WithError(err).WithField("method", method).Debug("thread: domain enable failed")
		}
	}
	if enablePage {
		if _, err := t.session.Send(ctx, "Page.enable", nil); err != nil {
			logrus.WithError(err).Debug("thread: Page.enable failed")
		}
	}

	t.adapter.applyThreadConfig(ctx, t)

	if waitingForDebugger {
		// Hold spawned-paused targets until the client finished sending
		// its configuration.
		t.adapter.waitConfigured(ctx)
		t.session.SendAsync("Runtime.runIfWaitingForDebugger", nil)
	}
}

// subscribe registers a CDP event handler and records its disposer.
func (t *Thread) subscribe(method string, fn func(json.RawMessage)) {
	dispose := t.session.Subscribe(method, func(evt cdp.Event) {
		fn(evt.Params)
	})
	t.mu.Lock()
	t.disposers = append(t.disposers, dispose)
	t.mu.Unlock()
}

// dispose clears paused state, releases the thread's scripts, and drops its
// event subscriptions. Variable references bound to the thread die with it.
func (t *Thread) dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	t.paused = nil
	scripts := t.scripts
	t.scripts = make(map[string]*sources.Source)
	disposers := t.disposers
	t.disposers = nil
	t.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	for _, src := range scripts {
		t.adapter.sources.RemoveCompiled(src)
	}
	t.adapter.vars.InvalidateThread(t.id)
}

func (t *Thread) onPaused(params json.RawMessage) {
	var details struct {
		Reason          string           `json:"reason"`
		CallFrames      []CallFrame      `json:"callFrames"`
		AsyncStackTrace *AsyncStackTrace `json:"asyncStackTrace"`
		HitBreakpoints  []string         `json:"hitBreakpoints"`
	}
	if err := json.Unmarshal(params, &details); err != nil {
		logrus.WithError(err).Warn("thread: malformed Debugger.paused")
		return
	}

	t.mu.Lock()
	t.paused = &PausedDetails{
		Reason:          details.Reason,
		CallFrames:      details.CallFrames,
		AsyncStackTrace: details.AsyncStackTrace,
		HitBreakpoints:  details.HitBreakpoints,
	}
	t.mu.Unlock()

	event := &dap.StoppedEvent{Event: t.adapter.newEvent("stopped")}
	event.Body = dap.StoppedEventBody{
		Reason:            stopReason(details.Reason, details.HitBreakpoints),
		ThreadId:          t.id,
		AllThreadsStopped: false,
	}
	t.adapter.emit(event)
}

func (t *Thread) onResumed() {
	t.mu.Lock()
	wasPaused := t.paused != nil
	t.paused = nil
	t.mu.Unlock()

	if !wasPaused {
		return
	}
	t.adapter.vars.InvalidateThread(t.id)

	event := &dap.ContinuedEvent{Event: t.adapter.newEvent("continued")}
	event.Body = dap.ContinuedEventBody{
		ThreadId:            t.id,
		AllThreadsContinued: false,
	}
	t.adapter.emit(event)
}

func (t *Thread) onScriptParsed(params json.RawMessage) {
	var script struct {
		ScriptID     string `json:"scriptId"`
		URL          string `json:"url"`
		SourceMapURL string `json:"sourceMapURL"`
	}
	if err := json.Unmarshal(params, &script); err != nil {
		logrus.WithError(err).Warn("thread: malformed Debugger.scriptParsed")
		return
	}

	scriptID := script.ScriptID
	session := t.session
	getter := func(ctx context.Context) (string, error) {
		raw, err := session.Send(ctx, "Debugger.getScriptSource", map[string]interface{}{
			"scriptId": scriptID,
		})
		if err != nil {
			return "", err
		}
		var result struct {
			ScriptSource string `json:"scriptSource"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", err
		}
		return result.ScriptSource, nil
	}

	src := t.adapter.sources.AddCompiled(script.URL, "text/javascript", getter)
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		t.adapter.sources.RemoveCompiled(src)
		return
	}
	t.scripts[scriptID] = src
	t.mu.Unlock()

	if script.SourceMapURL != "" {
		mapURL := resolveAgainst(script.URL, script.SourceMapURL)
		t.adapter.sources.AttachSourceMap(context.Background(), src, mapURL)
	}
}

// script returns the compiled source registered for a script id.
func (t *Thread) script(scriptID string) (*sources.Source, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.scripts[scriptID]
	return src, ok
}

// StackFrames projects the paused state into DAP stack frames: the real
// call frames first, then each async ancestor chain behind a label frame.
// An unpaused thread has no frames.
func (t *Thread) StackFrames() []dap.StackFrame {
	t.mu.Lock()
	paused := t.paused
	t.mu.Unlock()

	if paused == nil {
		return nil
	}

	var frames []dap.StackFrame
	for _, cf := range paused.CallFrames {
		frame := dap.StackFrame{
			Id:     t.adapter.frames.add(t, cf.CallFrameID),
			Name:   cf.FunctionName,
			Line:   cf.Location.LineNumber + 1,
			Column: cf.Location.ColumnNumber + 1,
		}
		if frame.Name == "" {
			frame.Name = "<anonymous>"
		}
		frame.Source = t.frameSource(cf.Location.ScriptID, cf.URL, cf.Location.LineNumber, cf.Location.ColumnNumber, &frame)
		frames = append(frames, frame)
	}

	for chain := paused.AsyncStackTrace; chain != nil; chain = chain.Parent {
		async := chain.CallFrames
		if chain.Description == "async function" && len(async) > 0 {
			async = async[1:]
		}
		if len(async) == 0 {
			continue
		}

		label := chain.Description
		if label == "" {
			label = "async"
		}
		frames = append(frames, dap.StackFrame{
			Id:               t.adapter.frames.add(t, ""),
			Name:             label,
			Line:             1,
			Column:           1,
			PresentationHint: "label",
		})

		for _, af := range async {
			frame := dap.StackFrame{
				Id:     t.adapter.frames.add(t, ""),
				Name:   af.FunctionName,
				Line:   af.LineNumber + 1,
				Column: af.ColumnNumber + 1,
			}
			if frame.Name == "" {
				frame.Name = "<anonymous>"
			}
			frame.Source = t.frameSource(af.ScriptID, af.URL, af.LineNumber, af.ColumnNumber, &frame)
			frames = append(frames, frame)
		}
	}

	return frames
}

// frameSource resolves a frame position through the source container,
// rewriting the frame's line and column when a source map matched.
func (t *Thread) frameSource(scriptID, rawURL string, line, column int, frame *dap.StackFrame) *dap.Source {
	src, ok := t.script(scriptID)
	if !ok {
		if rawURL == "" {
			return nil
		}
		return &dap.Source{Name: displayName(rawURL)}
	}

	loc := t.adapter.sources.Resolve(src, line+1, column+1)
	frame.Line = loc.Line
	frame.Column = loc.Column
	if loc.Source != nil {
		return t.adapter.toDapSource(loc.Source)
	}
	return &dap.Source{Name: displayName(loc.URL)}
}

// stopReason maps a CDP pause reason onto the DAP stopped-event vocabulary.
func stopReason(reason string, hitBreakpoints []string) string {
	if len(hitBreakpoints) > 0 {
		return "breakpoint"
	}
	switch reason {
	case "exception", "promiseRejection", "assert":
		return "exception"
	case "debugCommand":
		return "pause"
	default:
		return "pause"
	}
}

// displayName shortens a URL to its last path segment for UI labels.
func displayName(rawURL string) string {
	if rawURL == "" {
		return "<eval>"
	}
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return rawURL
}

// resolveAgainst resolves a possibly-relative URL against a base.
func resolveAgainst(base, ref string) string {
	if strings.HasPrefix(ref, "data:") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

package adapter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	dapconn "github.com/grantcarthew/jsdap/internal/dap"
)

// sourceBreakpoints is the client's breakpoint set for one script URL,
// together with the runtime breakpoints it produced.
type sourceBreakpoints struct {
	url   string
	lines []dap.SourceBreakpoint
	set   []runtimeBreakpoint
}

type runtimeBreakpoint struct {
	thread *Thread
	id     string
}

// onSetBreakpoints replaces the breakpoint set for one source with plain
// line breakpoints, bound by script URL across every debuggable target.
func (a *Adapter) onSetBreakpoints(ctx context.Context, req *dap.SetBreakpointsRequest) error {
	url, settable := a.breakpointURL(req.Arguments.Source)

	requested := req.Arguments.Breakpoints
	results := make([]dap.Breakpoint, 0, len(requested))

	a.mu.Lock()
	tm := a.tm
	previous := a.breakpoints[url]
	delete(a.breakpoints, url)
	a.mu.Unlock()

	if previous != nil {
		for _, bp := range previous.set {
			bp.thread.session.SendAsync("Debugger.removeBreakpoint", map[string]interface{}{
				"breakpointId": bp.id,
			})
		}
	}

	if !settable || tm == nil {
		for _, bp := range requested {
			results = append(results, dap.Breakpoint{
				Verified: false,
				Line:     bp.Line,
				Message:  "source is not loaded in the debuggee",
			})
		}
		resp := &dap.SetBreakpointsResponse{Response: dapconn.NewResponse(req)}
		resp.Body = dap.SetBreakpointsResponseBody{Breakpoints: results}
		a.conn.Reply(resp)
		return nil
	}

	sb := &sourceBreakpoints{url: url, lines: requested}
	threads := tm.Threads()
	for _, bp := range requested {
		verified := false
		for _, thread := range threads {
			id, ok := setBreakpointByURL(ctx, thread, url, bp)
			if ok {
				sb.set = append(sb.set, runtimeBreakpoint{thread: thread, id: id})
				verified = true
			}
		}
		results = append(results, dap.Breakpoint{Verified: verified, Line: bp.Line})
	}

	a.mu.Lock()
	a.breakpoints[url] = sb
	a.mu.Unlock()

	resp := &dap.SetBreakpointsResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.SetBreakpointsResponseBody{Breakpoints: results}
	a.conn.Reply(resp)
	return nil
}

func (a *Adapter) onSetExceptionBreakpoints(ctx context.Context, req *dap.SetExceptionBreakpointsRequest) error {
	state := "none"
	for _, filter := range req.Arguments.Filters {
		switch filter {
		case "all":
			state = "all"
		case "uncaught":
			if state != "all" {
				state = "uncaught"
			}
		}
	}

	a.mu.Lock()
	a.exceptionState = state
	tm := a.tm
	a.mu.Unlock()

	if tm != nil {
		for _, thread := range tm.Threads() {
			thread.session.SendAsync("Debugger.setPauseOnExceptions", map[string]interface{}{
				"state": state,
			})
		}
	}

	a.conn.Reply(&dap.SetExceptionBreakpointsResponse{Response: dapconn.NewResponse(req)})
	return nil
}

// applyThreadConfig pushes session-level debugger configuration onto a
// freshly attached thread: the pause-on-exceptions state and every
// breakpoint set so far.
func (a *Adapter) applyThreadConfig(ctx context.Context, t *Thread) {
	a.mu.Lock()
	state := a.exceptionState
	pending := make([]*sourceBreakpoints, 0, len(a.breakpoints))
	for _, sb := range a.breakpoints {
		pending = append(pending, sb)
	}
	a.mu.Unlock()

	if state != "none" {
		if _, err := t.session.Send(ctx, "Debugger.setPauseOnExceptions", map[string]interface{}{
			"state": state,
		}); err != nil {
			logrus.WithError(err).Debug("breakpoints: setPauseOnExceptions failed")
		}
	}

	for _, sb := range pending {
		var set []runtimeBreakpoint
		for _, bp := range sb.lines {
			if id, ok := setBreakpointByURL(ctx, t, sb.url, bp); ok {
				set = append(set, runtimeBreakpoint{thread: t, id: id})
			}
		}
		a.mu.Lock()
		sb.set = append(sb.set, set...)
		a.mu.Unlock()
	}
}

// setBreakpointByURL registers one line breakpoint on one thread.
func setBreakpointByURL(ctx context.Context, t *Thread, url string, bp dap.SourceBreakpoint) (string, bool) {
	params := map[string]interface{}{
		"url":        url,
		"lineNumber": bp.Line - 1,
	}
	if bp.Column > 0 {
		params["columnNumber"] = bp.Column - 1
	}
	raw, err := t.session.Send(ctx, "Debugger.setBreakpointByUrl", params)
	if err != nil {
		logrus.WithError(err).WithField("url", url).Debug("breakpoints: set failed")
		return "", false
	}
	var result struct {
		BreakpointID string `json:"breakpointId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.BreakpointID == "" {
		return "", false
	}
	return result.BreakpointID, true
}

// breakpointURL maps the request's source to the script URL breakpoints
// bind against. The second return is false when no debuggee script can
// correspond to the source.
func (a *Adapter) breakpointURL(source dap.Source) (string, bool) {
	if source.SourceReference > 0 {
		src, ok := a.sources.ByRef(int64(source.SourceReference))
		if !ok || src.Authored {
			return "", false
		}
		return src.URL, true
	}
	if source.Path == "" {
		return "", false
	}

	path := source.Path
	if src, ok := a.sources.CompiledByURL(path); ok {
		return src.URL, true
	}
	fileURL := "file://" + strings.ReplaceAll(path, "\\", "/")
	if src, ok := a.sources.CompiledByURL(fileURL); ok {
		return src.URL, true
	}
	// Not parsed yet: bind by the file URL so the runtime resolves the
	// breakpoint when the script loads.
	return fileURL, true
}

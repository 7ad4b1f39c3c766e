package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-dap"

	"github.com/grantcarthew/jsdap/internal/cdp"
	dapconn "github.com/grantcarthew/jsdap/internal/dap"
	"github.com/grantcarthew/jsdap/internal/variables"
)

func (a *Adapter) onThreads(req *dap.ThreadsRequest) error {
	a.mu.Lock()
	tm := a.tm
	a.mu.Unlock()

	threads := make([]dap.Thread, 0)
	if tm != nil {
		for _, t := range tm.Threads() {
			threads = append(threads, dap.Thread{Id: t.ID(), Name: t.Name()})
		}
	}

	resp := &dap.ThreadsResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.ThreadsResponseBody{Threads: threads}
	a.conn.Reply(resp)
	return nil
}

func (a *Adapter) onStackTrace(req *dap.StackTraceRequest) error {
	thread, ok := a.thread(req.Arguments.ThreadId)
	if !ok {
		return fmt.Errorf("unknown thread %d", req.Arguments.ThreadId)
	}

	frames := thread.StackFrames()
	total := len(frames)
	if start := req.Arguments.StartFrame; start > 0 {
		if start < len(frames) {
			frames = frames[start:]
		} else {
			frames = nil
		}
	}
	if levels := req.Arguments.Levels; levels > 0 && levels < len(frames) {
		frames = frames[:levels]
	}
	if frames == nil {
		frames = make([]dap.StackFrame, 0)
	}

	resp := &dap.StackTraceResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: total}
	a.conn.Reply(resp)
	return nil
}

func (a *Adapter) onScopes(req *dap.ScopesRequest) error {
	resp := &dap.ScopesResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.ScopesResponseBody{Scopes: make([]dap.Scope, 0)}
	a.conn.Reply(resp)
	return nil
}

func (a *Adapter) onVariables(ctx context.Context, req *dap.VariablesRequest) error {
	vars, err := a.vars.Children(ctx, req.Arguments.VariablesReference,
		req.Arguments.Filter, req.Arguments.Start, req.Arguments.Count)
	if err != nil {
		return err
	}

	resp := &dap.VariablesResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.VariablesResponseBody{Variables: vars}
	a.conn.Reply(resp)
	return nil
}

func (a *Adapter) onContinue(ctx context.Context, req *dap.ContinueRequest) error {
	thread, ok := a.thread(req.Arguments.ThreadId)
	if !ok {
		return fmt.Errorf("unknown thread %d", req.Arguments.ThreadId)
	}
	if _, err := thread.session.Send(ctx, "Debugger.resume", nil); err != nil {
		return err
	}

	resp := &dap.ContinueResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.ContinueResponseBody{AllThreadsContinued: false}
	a.conn.Reply(resp)
	return nil
}

func (a *Adapter) onPause(ctx context.Context, req *dap.PauseRequest) error {
	thread, ok := a.thread(req.Arguments.ThreadId)
	if !ok {
		return fmt.Errorf("unknown thread %d", req.Arguments.ThreadId)
	}
	if _, err := thread.session.Send(ctx, "Debugger.pause", nil); err != nil {
		return err
	}
	a.conn.Reply(&dap.PauseResponse{Response: dapconn.NewResponse(req)})
	return nil
}

func (a *Adapter) onNext(ctx context.Context, req *dap.NextRequest) error {
	if err := a.step(ctx, req.Arguments.ThreadId, "Debugger.stepOver"); err != nil {
		return err
	}
	a.conn.Reply(&dap.NextResponse{Response: dapconn.NewResponse(req)})
	return nil
}

func (a *Adapter) onStepIn(ctx context.Context, req *dap.StepInRequest) error {
	if err := a.step(ctx, req.Arguments.ThreadId, "Debugger.stepInto"); err != nil {
		return err
	}
	a.conn.Reply(&dap.StepInResponse{Response: dapconn.NewResponse(req)})
	return nil
}

func (a *Adapter) onStepOut(ctx context.Context, req *dap.StepOutRequest) error {
	if err := a.step(ctx, req.Arguments.ThreadId, "Debugger.stepOut"); err != nil {
		return err
	}
	a.conn.Reply(&dap.StepOutResponse{Response: dapconn.NewResponse(req)})
	return nil
}

func (a *Adapter) step(ctx context.Context, threadID int, method string) error {
	thread, ok := a.thread(threadID)
	if !ok {
		return fmt.Errorf("unknown thread %d", threadID)
	}
	if !thread.Paused() {
		return fmt.Errorf("thread %d is not paused", threadID)
	}
	_, err := thread.session.Send(ctx, method, nil)
	return err
}

// evaluateResult mirrors Runtime.evaluate and Debugger.evaluateOnCallFrame
// results.
type evaluateResult struct {
	Result           variables.RemoteObject `json:"result"`
	ExceptionDetails *struct {
		Text      string                  `json:"text"`
		Exception *variables.RemoteObject `json:"exception"`
	} `json:"exceptionDetails"`
}

func (a *Adapter) onEvaluate(ctx context.Context, req *dap.EvaluateRequest) error {
	var session *cdp.Session
	var threadID int
	params := map[string]interface{}{
		"expression":      req.Arguments.Expression,
		"generatePreview": true,
	}
	method := "Runtime.evaluate"

	if ref, ok := a.frames.get(req.Arguments.FrameId); ok && ref.callFrameID != "" && ref.thread.Paused() {
		method = "Debugger.evaluateOnCallFrame"
		params["callFrameId"] = ref.callFrameID
		session = ref.thread.session
		threadID = ref.thread.id
	} else {
		thread, ok := a.mainThread()
		if !ok {
			return fmt.Errorf("no thread to evaluate on")
		}
		session = thread.session
		threadID = thread.id
	}

	raw, err := session.Send(ctx, method, params)
	if err != nil {
		return err
	}
	var result evaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse evaluate result: %w", err)
	}
	if result.ExceptionDetails != nil {
		msg := result.ExceptionDetails.Text
		if exc := result.ExceptionDetails.Exception; exc != nil && exc.Description != "" {
			msg = exc.Description
		}
		return fmt.Errorf("%s", strings.SplitN(msg, "\n", 2)[0])
	}

	previewCtx := variables.PreviewNormal
	if req.Arguments.Context == "repl" {
		previewCtx = variables.PreviewRepl
	}
	wrapped := a.vars.Create(session, threadID, result.Result, previewCtx)

	resp := &dap.EvaluateResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.EvaluateResponseBody{
		Result:             wrapped.Value,
		Type:               wrapped.Type,
		VariablesReference: wrapped.Reference,
		NamedVariables:     wrapped.NamedVariables,
		IndexedVariables:   wrapped.IndexedVariables,
	}
	a.conn.Reply(resp)
	return nil
}

func (a *Adapter) onCompletions(ctx context.Context, req *dap.CompletionsRequest) error {
	thread, ok := a.mainThread()
	if !ok {
		return fmt.Errorf("no thread to complete against")
	}

	names := map[string]struct{}{}
	if raw, err := thread.session.Send(ctx, "Runtime.globalLexicalScopeNames", nil); err == nil {
		var result struct {
			Names []string `json:"names"`
		}
		if json.Unmarshal(raw, &result) == nil {
			for _, n := range result.Names {
				names[n] = struct{}{}
			}
		}
	}
	for _, n := range a.globalObjectNames(ctx, thread.session) {
		names[n] = struct{}{}
	}

	prefix := completionPrefix(req.Arguments.Text, req.Arguments.Column)
	targets := make([]dap.CompletionItem, 0)
	for name := range names {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		targets = append(targets, dap.CompletionItem{
			Label: name,
			Type:  "property",
		})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Label < targets[j].Label })

	resp := &dap.CompletionsResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.CompletionsResponseBody{Targets: targets}
	a.conn.Reply(resp)
	return nil
}

// globalObjectNames lists the own property names of globalThis.
func (a *Adapter) globalObjectNames(ctx context.Context, session *cdp.Session) []string {
	raw, err := session.Send(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression": "globalThis",
	})
	if err != nil {
		return nil
	}
	var evaluated evaluateResult
	if err := json.Unmarshal(raw, &evaluated); err != nil || evaluated.Result.ObjectID == "" {
		return nil
	}

	props, err := session.Send(ctx, "Runtime.getProperties", map[string]interface{}{
		"objectId":      evaluated.Result.ObjectID,
		"ownProperties": true,
	})
	if err != nil {
		return nil
	}
	var result struct {
		Result []struct {
			Name string `json:"name"`
		} `json:"result"`
	}
	if err := json.Unmarshal(props, &result); err != nil {
		return nil
	}
	out := make([]string, 0, len(result.Result))
	for _, p := range result.Result {
		out = append(out, p.Name)
	}
	return out
}

// completionPrefix extracts the identifier being completed at the caret.
func completionPrefix(text string, column int) string {
	// DAP columns are 1-based; a zero column means end of text.
	end := len(text)
	if column > 0 && column-1 <= len(text) {
		end = column - 1
	}
	start := end
	for start > 0 {
		ch := text[start-1]
		if ch == '_' || ch == '$' ||
			('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') ||
			('0' <= ch && ch <= '9') {
			start--
			continue
		}
		break
	}
	return text[start:end]
}

func (a *Adapter) onLoadedSources(req *dap.LoadedSourcesRequest) error {
	all := a.sources.All()
	sort.Slice(all, func(i, j int) bool { return all[i].Ref < all[j].Ref })

	projected := make([]dap.Source, 0, len(all))
	for _, src := range all {
		projected = append(projected, *a.toDapSource(src))
	}

	resp := &dap.LoadedSourcesResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.LoadedSourcesResponseBody{Sources: projected}
	a.conn.Reply(resp)
	return nil
}

func (a *Adapter) onSource(ctx context.Context, req *dap.SourceRequest) error {
	ref := req.Arguments.SourceReference
	if ref == 0 && req.Arguments.Source != nil {
		ref = req.Arguments.Source.SourceReference
	}
	src, ok := a.sources.ByRef(int64(ref))
	if !ok {
		return fmt.Errorf("unknown source reference %d", ref)
	}

	content, err := src.Content(ctx)
	if err != nil {
		return fmt.Errorf("fetch source content: %w", err)
	}

	resp := &dap.SourceResponse{Response: dapconn.NewResponse(req)}
	resp.Body = dap.SourceResponseBody{Content: content, MimeType: src.MimeType}
	a.conn.Reply(resp)
	return nil
}

// thread resolves a DAP thread id.
func (a *Adapter) thread(id int) (*Thread, bool) {
	a.mu.Lock()
	tm := a.tm
	a.mu.Unlock()
	if tm == nil {
		return nil, false
	}
	return tm.Thread(id)
}

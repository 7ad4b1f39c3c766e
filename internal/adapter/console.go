package adapter

import (
	"encoding/json"
	"strings"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/jsdap/internal/variables"
)

// consoleFrame is the top frame of a console call's stack trace.
type consoleFrame struct {
	ScriptID     string `json:"scriptId"`
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// onConsoleAPICalled forwards console.* calls as DAP output events, one
// line per call, with each argument rendered through the preview rules.
func (t *Thread) onConsoleAPICalled(params json.RawMessage) {
	var call struct {
		Type       string                   `json:"type"`
		Args       []variables.RemoteObject `json:"args"`
		StackTrace *struct {
			CallFrames []consoleFrame `json:"callFrames"`
		} `json:"stackTrace"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		logrus.WithError(err).Warn("console: malformed consoleAPICalled")
		return
	}

	parts := make([]string, 0, len(call.Args))
	for i := range call.Args {
		parts = append(parts, call.Args[i].RenderPreview(variables.PreviewNormal))
	}

	event := &dap.OutputEvent{Event: t.adapter.newEvent("output")}
	event.Body = dap.OutputEventBody{
		Category: outputCategory(call.Type),
		Output:   strings.Join(parts, " ") + "\n",
	}
	if call.StackTrace != nil && len(call.StackTrace.CallFrames) > 0 {
		t.annotateLocation(&event.Body, call.StackTrace.CallFrames[0])
	}
	t.adapter.emit(event)
}

// onExceptionThrown forwards uncaught exceptions as stderr output.
func (t *Thread) onExceptionThrown(params json.RawMessage) {
	var thrown struct {
		ExceptionDetails struct {
			Text         string                  `json:"text"`
			ScriptID     string                  `json:"scriptId"`
			URL          string                  `json:"url"`
			LineNumber   int                     `json:"lineNumber"`
			ColumnNumber int                     `json:"columnNumber"`
			Exception    *variables.RemoteObject `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(params, &thrown); err != nil {
		logrus.WithError(err).Warn("console: malformed exceptionThrown")
		return
	}

	details := thrown.ExceptionDetails
	text := details.Text
	if details.Exception != nil && details.Exception.Description != "" {
		text = details.Exception.Description
	}

	event := &dap.OutputEvent{Event: t.adapter.newEvent("output")}
	event.Body = dap.OutputEventBody{
		Category: "stderr",
		Output:   text + "\n",
	}
	t.annotateLocation(&event.Body, consoleFrame{
		ScriptID:     details.ScriptID,
		URL:          details.URL,
		LineNumber:   details.LineNumber,
		ColumnNumber: details.ColumnNumber,
	})
	t.adapter.emit(event)
}

// annotateLocation attaches the authored position of the originating frame
// when source maps resolved it.
func (t *Thread) annotateLocation(body *dap.OutputEventBody, frame consoleFrame) {
	src, ok := t.script(frame.ScriptID)
	if !ok {
		if frame.URL != "" {
			body.Source = &dap.Source{Name: displayName(frame.URL)}
			body.Line = frame.LineNumber + 1
			body.Column = frame.ColumnNumber + 1
		}
		return
	}

	loc := t.adapter.sources.Resolve(src, frame.LineNumber+1, frame.ColumnNumber+1)
	if loc.Source != nil {
		body.Source = t.adapter.toDapSource(loc.Source)
	} else {
		body.Source = &dap.Source{Name: displayName(loc.URL)}
	}
	body.Line = loc.Line
	body.Column = loc.Column
}

// outputCategory maps a console call type onto DAP output categories.
func outputCategory(callType string) string {
	switch callType {
	case "error", "assert":
		return "stderr"
	case "warning":
		return "console"
	default:
		return "stdout"
	}
}

package adapter

import (
	"encoding/json"
	"testing"
)

// pausedThread builds a thread on a fake session and feeds it one pause.
func pausedThread(t *testing.T, a *Adapter, pausedParams string) *Thread {
	t.Helper()
	conn := testConnection(t, nil)
	thread := newThread(a, conn.RootSession(), "main")
	thread.onPaused(json.RawMessage(pausedParams))
	return thread
}

func TestThread_StackFramesProjection(t *testing.T) {
	t.Parallel()

	a, _ := testAdapter(t)
	thread := pausedThread(t, a, `{
		"reason": "other",
		"callFrames": [
			{"callFrameId": "cf1", "functionName": "f",
			 "location": {"scriptId": "10", "lineNumber": 3, "columnNumber": 0}}
		]
	}`)

	frames := thread.StackFrames()
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	frame := frames[0]
	if frame.Name != "f" {
		t.Errorf("expected name f, got %q", frame.Name)
	}
	// CDP locations are 0-based, DAP ones 1-based.
	if frame.Line != 4 || frame.Column != 1 {
		t.Errorf("expected line 4 column 1, got line %d column %d", frame.Line, frame.Column)
	}
	if frame.Id == 0 {
		t.Error("expected an allocated frame id")
	}
}

func TestThread_StackFramesEmptyAfterResume(t *testing.T) {
	t.Parallel()

	a, _ := testAdapter(t)
	thread := pausedThread(t, a, `{
		"reason": "other",
		"callFrames": [
			{"callFrameId": "cf1", "functionName": "f",
			 "location": {"scriptId": "10", "lineNumber": 3, "columnNumber": 0}}
		]
	}`)

	if len(thread.StackFrames()) != 1 {
		t.Fatal("precondition: expected one frame while paused")
	}

	thread.onResumed()
	if frames := thread.StackFrames(); len(frames) != 0 {
		t.Errorf("expected no frames after resume, got %d", len(frames))
	}
}

func TestThread_AnonymousFrameName(t *testing.T) {
	t.Parallel()

	a, _ := testAdapter(t)
	thread := pausedThread(t, a, `{
		"reason": "other",
		"callFrames": [
			{"callFrameId": "cf1", "functionName": "",
			 "location": {"scriptId": "10", "lineNumber": 0, "columnNumber": 0}}
		]
	}`)

	frames := thread.StackFrames()
	if len(frames) != 1 || frames[0].Name != "<anonymous>" {
		t.Errorf("expected <anonymous> frame, got %+v", frames)
	}
}

func TestThread_AsyncChainsProjectLabels(t *testing.T) {
	t.Parallel()

	a, _ := testAdapter(t)
	thread := pausedThread(t, a, `{
		"reason": "other",
		"callFrames": [
			{"callFrameId": "cf1", "functionName": "inner",
			 "location": {"scriptId": "10", "lineNumber": 1, "columnNumber": 0}}
		],
		"asyncStackTrace": {
			"description": "setTimeout",
			"callFrames": [
				{"functionName": "scheduler", "scriptId": "10", "url": "http://x/app.js",
				 "lineNumber": 9, "columnNumber": 2}
			],
			"parent": {
				"description": "async function",
				"callFrames": [
					{"functionName": "dropped", "scriptId": "10", "url": "http://x/app.js",
					 "lineNumber": 0, "columnNumber": 0},
					{"functionName": "kept", "scriptId": "10", "url": "http://x/app.js",
					 "lineNumber": 4, "columnNumber": 1}
				]
			}
		}
	}`)

	frames := thread.StackFrames()
	// inner, label "setTimeout", scheduler, label "async function", kept.
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d: %+v", len(frames), frames)
	}
	if frames[1].Name != "setTimeout" || frames[1].PresentationHint != "label" {
		t.Errorf("expected setTimeout label frame, got %+v", frames[1])
	}
	if frames[1].Line != 1 || frames[1].Column != 1 {
		t.Errorf("label frames sit at 1:1, got %d:%d", frames[1].Line, frames[1].Column)
	}
	if frames[2].Name != "scheduler" || frames[2].Line != 10 {
		t.Errorf("expected scheduler at line 10, got %+v", frames[2])
	}
	// The leading frame of an "async function" chain is dropped.
	if frames[4].Name != "kept" {
		t.Errorf("expected the chain's second frame, got %+v", frames[4])
	}
}

func TestThread_EmptyAsyncChainSkipped(t *testing.T) {
	t.Parallel()

	a, _ := testAdapter(t)
	thread := pausedThread(t, a, `{
		"reason": "other",
		"callFrames": [
			{"callFrameId": "cf1", "functionName": "f",
			 "location": {"scriptId": "10", "lineNumber": 0, "columnNumber": 0}}
		],
		"asyncStackTrace": {
			"description": "setTimeout",
			"callFrames": []
		}
	}`)

	frames := thread.StackFrames()
	if len(frames) != 1 {
		t.Errorf("expected chains with no frames to be skipped, got %d frames", len(frames))
	}
}

func TestThread_FrameIDsMonotonic(t *testing.T) {
	t.Parallel()

	a, _ := testAdapter(t)
	thread := pausedThread(t, a, `{
		"reason": "other",
		"callFrames": [
			{"callFrameId": "cf1", "functionName": "f",
			 "location": {"scriptId": "10", "lineNumber": 0, "columnNumber": 0}},
			{"callFrameId": "cf2", "functionName": "g",
			 "location": {"scriptId": "10", "lineNumber": 5, "columnNumber": 0}}
		]
	}`)

	first := thread.StackFrames()
	second := thread.StackFrames()

	seen := map[int]bool{}
	last := 0
	for _, frame := range append(first, second...) {
		if seen[frame.Id] {
			t.Errorf("frame id %d reused", frame.Id)
		}
		seen[frame.Id] = true
		if frame.Id <= last {
			t.Errorf("frame id %d not increasing past %d", frame.Id, last)
		}
		last = frame.Id
	}
}

func TestStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reason string
		hits   []string
		want   string
	}{
		{"other", nil, "pause"},
		{"exception", nil, "exception"},
		{"promiseRejection", nil, "exception"},
		{"other", []string{"bp1"}, "breakpoint"},
		{"debugCommand", nil, "pause"},
	}
	for _, tt := range tests {
		if got := stopReason(tt.reason, tt.hits); got != tt.want {
			t.Errorf("stopReason(%q, %v) = %q, want %q", tt.reason, tt.hits, got, tt.want)
		}
	}
}

package cdp

import (
	"encoding/json"
	"testing"
)

func TestParseMessage_Response(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		wantID      int64
		wantResult  string
		wantSession string
	}{
		{
			name:       "successful response",
			input:      `{"id":1,"result":{"frameId":"ABC123"}}`,
			wantID:     1,
			wantResult: `{"frameId":"ABC123"}`,
		},
		{
			name:       "response with null result",
			input:      `{"id":42,"result":null}`,
			wantID:     42,
			wantResult: `null`,
		},
		{
			name:        "response for a child session",
			input:       `{"id":5,"result":{},"sessionId":"SESSION1"}`,
			wantID:      5,
			wantResult:  `{}`,
			wantSession: "SESSION1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, evt, err := parseMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected parse error: %v", err)
			}
			if evt != nil {
				t.Errorf("expected event to be nil, got %+v", evt)
			}
			if resp == nil {
				t.Fatal("expected response, got nil")
			}
			if resp.ID != tt.wantID {
				t.Errorf("expected ID %d, got %d", tt.wantID, resp.ID)
			}
			if string(resp.Result) != tt.wantResult {
				t.Errorf("expected result %s, got %s", tt.wantResult, string(resp.Result))
			}
			if resp.SessionID != tt.wantSession {
				t.Errorf("expected session %q, got %q", tt.wantSession, resp.SessionID)
			}
		})
	}
}

func TestParseMessage_ResponseWithError(t *testing.T) {
	t.Parallel()

	input := `{"id":1,"error":{"code":-32000,"message":"Target closed","data":"extra info"}}`

	resp, evt, err := parseMessage([]byte(input))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if evt != nil {
		t.Errorf("expected event to be nil, got %+v", evt)
	}
	if resp == nil {
		t.Fatal("expected response, got nil")
	}
	if resp.Error == nil {
		t.Fatal("expected error in response, got nil")
	}
	if resp.Error.Code != -32000 {
		t.Errorf("expected error code -32000, got %d", resp.Error.Code)
	}
	if resp.Error.Message != "Target closed" {
		t.Errorf("expected message 'Target closed', got %s", resp.Error.Message)
	}
	if resp.Error.Data != "extra info" {
		t.Errorf("expected data 'extra info', got %s", resp.Error.Data)
	}
}

func TestParseMessage_Event(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		wantMethod  string
		wantParams  string
		wantSession string
	}{
		{
			name:       "simple event",
			input:      `{"method":"Page.loadEventFired","params":{"timestamp":123.456}}`,
			wantMethod: "Page.loadEventFired",
			wantParams: `{"timestamp":123.456}`,
		},
		{
			name:        "event routed to a session",
			input:       `{"method":"Debugger.paused","params":{},"sessionId":"SESSION1"}`,
			wantMethod:  "Debugger.paused",
			wantParams:  `{}`,
			wantSession: "SESSION1",
		},
		{
			name:       "event with complex params",
			input:      `{"method":"Runtime.consoleAPICalled","params":{"type":"log","args":[{"type":"string","value":"hello"}]}}`,
			wantMethod: "Runtime.consoleAPICalled",
			wantParams: `{"type":"log","args":[{"type":"string","value":"hello"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, evt, err := parseMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected parse error: %v", err)
			}
			if resp != nil {
				t.Errorf("expected response to be nil, got %+v", resp)
			}
			if evt == nil {
				t.Fatal("expected event, got nil")
			}
			if evt.Method != tt.wantMethod {
				t.Errorf("expected method %s, got %s", tt.wantMethod, evt.Method)
			}
			if string(evt.Params) != tt.wantParams {
				t.Errorf("expected params %s, got %s", tt.wantParams, string(evt.Params))
			}
			if evt.SessionID != tt.wantSession {
				t.Errorf("expected session %q, got %q", tt.wantSession, evt.SessionID)
			}
		})
	}
}

func TestParseMessage_InvalidJSON(t *testing.T) {
	t.Parallel()

	inputs := []string{
		`not json`,
		`{`,
		`{"id":}`,
		``,
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			t.Parallel()

			_, _, err := parseMessage([]byte(input))
			if err == nil {
				t.Error("expected error for invalid JSON, got nil")
			}
		})
	}
}

func TestParseMessage_UnknownFormat(t *testing.T) {
	t.Parallel()

	// Message with neither ID nor method
	input := `{"foo":"bar"}`

	_, _, err := parseMessage([]byte(input))
	if err == nil {
		t.Error("expected error for unknown format, got nil")
	}
}

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      Error
		expected string
	}{
		{
			name:     "error without data",
			err:      Error{Code: -32000, Message: "Target closed"},
			expected: "cdp error -32000: Target closed",
		},
		{
			name:     "error with data",
			err:      Error{Code: -32602, Message: "Invalid params", Data: "missing 'url'"},
			expected: "cdp error -32602: Invalid params (missing 'url')",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestRequest_Marshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		req      Request
		expected string
	}{
		{
			name:     "request without params",
			req:      Request{ID: 1, Method: "Page.enable"},
			expected: `{"id":1,"method":"Page.enable"}`,
		},
		{
			name:     "request with session routing",
			req:      Request{ID: 2, Method: "Runtime.enable", SessionID: "SESSION1"},
			expected: `{"id":2,"method":"Runtime.enable","sessionId":"SESSION1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := json.Marshal(tt.req)
			if err != nil {
				t.Fatalf("failed to marshal: %v", err)
			}
			if string(data) != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, string(data))
			}
		})
	}
}

func FuzzParseMessage(f *testing.F) {
	// Seed with valid message formats
	f.Add([]byte(`{"id":1,"result":{}}`))
	f.Add([]byte(`{"id":1,"error":{"code":-1,"message":"error"}}`))
	f.Add([]byte(`{"method":"Page.loadEventFired","params":{}}`))
	f.Add([]byte(`{"method":"Debugger.paused","params":{},"sessionId":"S"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Should not panic regardless of input
		_, _, _ = parseMessage(data)
	})
}

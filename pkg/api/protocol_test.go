package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	linksync "github.com/Veraticus/cellsync/pkg/sync"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		want    *Request
		name    string
		input   string
		errMsg  string
		wantErr bool
	}{
		{
			name:  "status command",
			input: "STATUS",
			want:  &Request{Command: CommandStatus},
		},
		{
			name:  "sync command",
			input: "SYNC",
			want:  &Request{Command: CommandSync},
		},
		{
			name:  "links command",
			input: "LINKS",
			want:  &Request{Command: CommandLinks},
		},
		{
			name:  "fetch command",
			input: "FETCH models/plan Revenue",
			want:  &Request{Command: CommandFetch, ModelPath: "models/plan", Reference: "Revenue"},
		},
		{
			name:  "fetch reference with spaces",
			input: "FETCH models/plan Net Income",
			want:  &Request{Command: CommandFetch, ModelPath: "models/plan", Reference: "Net Income"},
		},
		{
			name:  "push number",
			input: "PUSH Sheet1!A1 42",
			want:  &Request{Command: CommandPush, Address: "Sheet1!A1", Value: json.RawMessage("42")},
		},
		{
			name:  "push object",
			input: `PUSH Sheet1!A1 {"a": [1, 2]}`,
			want:  &Request{Command: CommandPush, Address: "Sheet1!A1", Value: json.RawMessage(`{"a": [1, 2]}`)},
		},
		{
			name:  "push null",
			input: "PUSH Sheet1!A1 null",
			want:  &Request{Command: CommandPush, Address: "Sheet1!A1", Value: json.RawMessage("null")},
		},
		{
			name:    "empty line",
			input:   "",
			wantErr: true,
			errMsg:  "empty command",
		},
		{
			name:    "status with arguments",
			input:   "STATUS now",
			wantErr: true,
			errMsg:  "STATUS takes no arguments",
		},
		{
			name:    "fetch without reference",
			input:   "FETCH models/plan",
			wantErr: true,
			errMsg:  "FETCH requires model path and reference",
		},
		{
			name:    "push without value",
			input:   "PUSH Sheet1!A1",
			wantErr: true,
			errMsg:  "PUSH requires address and value",
		},
		{
			name:    "push with invalid json",
			input:   "PUSH Sheet1!A1 hello",
			wantErr: true,
			errMsg:  "PUSH value is not valid JSON",
		},
		{
			name:    "unknown command",
			input:   "COPY 13",
			wantErr: true,
			errMsg:  "unknown command: COPY",
		},
		{
			name:    "lowercase command",
			input:   "status",
			wantErr: true,
			errMsg:  "unknown command: status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRequest() error = nil, wantErr %v", tt.wantErr)
				}
				if tt.errMsg != "" && err.Error() != tt.errMsg {
					t.Errorf("ParseRequest() error = %v, want %v", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest() unexpected error = %v", err)
			}
			if got.Command != tt.want.Command ||
				got.ModelPath != tt.want.ModelPath ||
				got.Reference != tt.want.Reference ||
				got.Address != tt.want.Address ||
				string(got.Value) != string(tt.want.Value) {
				t.Errorf("ParseRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseRequestTooLarge(t *testing.T) {
	line := "PUSH A1 \"" + strings.Repeat("x", MaxLineSize) + "\""
	if _, err := ParseRequest(line); err == nil || !strings.Contains(err.Error(), "request too large") {
		t.Errorf("ParseRequest() error = %v, want request too large", err)
	}
}

func TestFormatResponse(t *testing.T) {
	tests := []struct {
		data    any
		name    string
		resp    Response
		want    string
		wantErr bool
	}{
		{
			name: "ok without data",
			resp: ResponseOK,
			want: "OK\n",
		},
		{
			name: "ok with drain result",
			resp: ResponseOK,
			data: linksync.DrainResult{Success: 2, Failed: 1},
			want: "OK {\"success\":2,\"failed\":1}\n",
		},
		{
			name: "ok with fetch value",
			resp: ResponseOK,
			data: FetchResponse{Value: 1.5},
			want: "OK {\"value\":1.5}\n",
		},
		{
			name: "error message",
			resp: ResponseError,
			data: "offline",
			want: "ERROR offline\n",
		},
		{
			name: "error message is kept on one line",
			resp: ResponseError,
			data: "first\nsecond",
			want: "ERROR first second\n",
		},
		{
			name: "error without message",
			resp: ResponseError,
			data: 42,
			want: "ERROR unknown error\n",
		},
		{
			name:    "unmarshalable data",
			resp:    ResponseOK,
			data:    make(chan int),
			wantErr: true,
		},
		{
			name:    "unknown response type",
			resp:    Response("MAYBE"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatResponse(tt.resp, tt.data)
			if tt.wantErr {
				if err == nil {
					t.Errorf("FormatResponse() error = nil, wantErr %v", tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FormatResponse() unexpected error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("FormatResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    string
		errMsg  string
		wantErr bool
	}{
		{name: "bare ok", line: "OK\n", want: ""},
		{name: "ok with payload", line: "OK {\"value\":1}\n", want: `{"value":1}`},
		{name: "error", line: "ERROR offline\n", wantErr: true, errMsg: "offline"},
		{name: "garbage", line: "HELLO", wantErr: true, errMsg: "invalid response: HELLO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseResponse() error = nil, wantErr %v", tt.wantErr)
				}
				if err.Error() != tt.errMsg {
					t.Errorf("ParseResponse() error = %v, want %v", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse() unexpected error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("ParseResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusResponseJSON(t *testing.T) {
	status := StatusResponse{
		StartTime:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ClientID:          "client-1",
		Version:           "1.0.0",
		PendingOperations: 3,
		Online:            true,
		Stats:             SyncStats{ConflictsWon: 1},
	}

	data, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	if _, ok := decoded["last_sync_time"]; ok {
		t.Error("last_sync_time should be omitted when empty")
	}
	if decoded["pending_operations"] != 3.0 {
		t.Errorf("pending_operations = %v, want 3", decoded["pending_operations"])
	}
	stats, ok := decoded["sync_stats"].(map[string]any)
	if !ok || stats["conflicts_won"] != 1.0 {
		t.Errorf("sync_stats = %v, want conflicts_won 1", decoded["sync_stats"])
	}
}

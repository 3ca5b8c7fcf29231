// Package api provides the local Unix socket API of the cellsync daemon.
// It lets scripts and the CLI inspect the engine, push cell edits and read
// model values without linking against the engine.
//
// Protocol:
//
// Each connection carries one request line and one response line.
//
//	STATUS
//	SYNC
//	FETCH <modelPath> <reference>
//	PUSH <address> <json-value>
//	LINKS
//
// Responses are "OK <json>" or "ERROR <message>".
package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	linksync "github.com/Veraticus/cellsync/pkg/sync"
)

// Command represents the type of command sent by the client.
type Command string

// Command constants define the available commands in the protocol.
const (
	CommandStatus Command = "STATUS"
	CommandSync   Command = "SYNC"
	CommandFetch  Command = "FETCH"
	CommandPush   Command = "PUSH"
	CommandLinks  Command = "LINKS"
)

// Response represents the type of response sent by the server.
type Response string

// Response constants define the possible response types.
const (
	ResponseOK    Response = "OK"
	ResponseError Response = "ERROR"
)

// MaxLineSize bounds one request line, PUSH values included.
const MaxLineSize = 1024 * 1024

// Request represents a parsed request line.
type Request struct {
	Command   Command
	ModelPath string
	Reference string
	Address   string
	Value     json.RawMessage
}

// StatusResponse contains information about the daemon's current state.
type StatusResponse struct {
	StartTime         time.Time            `json:"start_time"`
	ClientID          string               `json:"client_id"`
	Version           string               `json:"version"`
	LastSyncTime      string               `json:"last_sync_time,omitempty"`
	LastDrain         linksync.DrainResult `json:"last_drain"`
	PendingOperations int                  `json:"pending_operations"`
	LinkedCells       int                  `json:"linked_cells"`
	Online            bool                 `json:"online"`
	Stats             SyncStats            `json:"sync_stats"`
}

// SyncStats contains synchronization statistics.
type SyncStats struct {
	LocalChanges     uint64 `json:"local_changes"`
	ImmediateSyncs   uint64 `json:"immediate_syncs"`
	QueuedOperations uint64 `json:"queued_operations"`
	DrainedSuccess   uint64 `json:"drained_success"`
	DrainedFailed    uint64 `json:"drained_failed"`
	RemoteChanges    uint64 `json:"remote_changes"`
	ConflictsWon     uint64 `json:"conflicts_won"`
	ConflictsLost    uint64 `json:"conflicts_lost"`
	CacheFallbacks   uint64 `json:"cache_fallbacks"`
}

// FetchResponse carries the value returned by FETCH.
type FetchResponse struct {
	Value any `json:"value"`
}

// ParseRequest parses a command line into a Request.
func ParseRequest(line string) (*Request, error) {
	if line == "" {
		return nil, fmt.Errorf("empty command")
	}
	if len(line) > MaxLineSize {
		return nil, fmt.Errorf("request too large: %d bytes (max: %d)", len(line), MaxLineSize)
	}

	parts := strings.SplitN(line, " ", 3)
	command := Command(parts[0])
	switch command {
	case CommandStatus, CommandSync, CommandLinks:
		if len(parts) > 1 {
			return nil, fmt.Errorf("%s takes no arguments", command)
		}
		return &Request{Command: command}, nil

	case CommandFetch:
		if len(parts) < 3 || parts[1] == "" || strings.TrimSpace(parts[2]) == "" {
			return nil, fmt.Errorf("%s requires model path and reference", command)
		}
		return &Request{Command: command, ModelPath: parts[1], Reference: strings.TrimSpace(parts[2])}, nil

	case CommandPush:
		if len(parts) < 3 || parts[1] == "" {
			return nil, fmt.Errorf("%s requires address and value", command)
		}
		value := json.RawMessage(strings.TrimSpace(parts[2]))
		if !json.Valid(value) {
			return nil, fmt.Errorf("%s value is not valid JSON", command)
		}
		return &Request{Command: command, Address: parts[1], Value: value}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", parts[0])
	}
}

// FormatResponse formats a response for transmission.
func FormatResponse(resp Response, data any) ([]byte, error) {
	switch resp {
	case ResponseOK:
		if data == nil {
			return []byte("OK\n"), nil
		}
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response: %w", err)
		}
		return []byte(fmt.Sprintf("OK %s\n", jsonData)), nil
	case ResponseError:
		if msg, ok := data.(string); ok {
			// Keep the response on one line
			return []byte(fmt.Sprintf("ERROR %s\n", strings.ReplaceAll(msg, "\n", " "))), nil
		}
		return []byte("ERROR unknown error\n"), nil
	default:
		return nil, fmt.Errorf("unknown response type: %s", resp)
	}
}

// ParseResponse splits a response line into its payload, or returns the
// server's error.
func ParseResponse(line string) (json.RawMessage, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == string(ResponseOK):
		return nil, nil
	case strings.HasPrefix(line, string(ResponseOK)+" "):
		return json.RawMessage(strings.TrimPrefix(line, string(ResponseOK)+" ")), nil
	case strings.HasPrefix(line, string(ResponseError)):
		return nil, fmt.Errorf("%s", strings.TrimSpace(strings.TrimPrefix(line, string(ResponseError))))
	default:
		return nil, fmt.Errorf("invalid response: %s", line)
	}
}

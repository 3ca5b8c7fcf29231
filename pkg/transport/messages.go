package transport

import (
	"encoding/json"
	"fmt"

	"github.com/Veraticus/cellsync/pkg/model"
)

// Frame types carried in the "type" field.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeAuthenticate = "authenticate"
	TypeDataUpdate   = "data_update"
	TypeCellSync     = "cell_sync"
	TypeModelUpdate  = "model_update"
	TypeError        = "error"
)

// Message is one decoded frame.
type Message interface {
	// Type returns the frame type identifier
	Type() string
}

// frame is the wire envelope.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeMessage asks the service to start streaming a feed.
type SubscribeMessage struct {
	model.Feed
}

// Type implements Message.
func (SubscribeMessage) Type() string { return TypeSubscribe }

// UnsubscribeMessage asks the service to stop streaming a feed.
type UnsubscribeMessage struct {
	model.Feed
}

// Type implements Message.
func (UnsubscribeMessage) Type() string { return TypeUnsubscribe }

// AuthenticateMessage presents the bearer token on a fresh connection.
type AuthenticateMessage struct {
	Token string `json:"token"`
}

// Type implements Message.
func (AuthenticateMessage) Type() string { return TypeAuthenticate }

// DataUpdateMessage carries a new value for a subscribed feed.
type DataUpdateMessage struct {
	Value any `json:"value"`
	model.Feed
}

// Type implements Message.
func (DataUpdateMessage) Type() string { return TypeDataUpdate }

// CellSyncMessage carries a cell mutation made by another client.
type CellSyncMessage struct {
	Operation model.PendingOperation
}

// Type implements Message.
func (CellSyncMessage) Type() string { return TypeCellSync }

// ModelUpdateMessage reports that a model changed on the service.
type ModelUpdateMessage struct {
	ModelPath string `json:"modelPath"`
	Version   string `json:"version,omitempty"`
}

// Type implements Message.
func (ModelUpdateMessage) Type() string { return TypeModelUpdate }

// ErrorMessage reports a service-side failure. When the failure concerns a
// subscription, the feed fields identify it.
type ErrorMessage struct {
	Message string `json:"message"`
	model.Feed
}

// Type implements Message.
func (ErrorMessage) Type() string { return TypeError }

// SubscriptionKey returns the key of the feed the error concerns, or "" for
// connection-level errors.
func (m ErrorMessage) SubscriptionKey() string {
	if m.Source == "" {
		return ""
	}
	return m.Key()
}

func (m ErrorMessage) Error() string {
	if key := m.SubscriptionKey(); key != "" {
		return fmt.Sprintf("remote error on %s: %s", key, m.Message)
	}
	return "remote error: " + m.Message
}

// Encode serializes msg into a wire frame.
func Encode(msg Message) ([]byte, error) {
	var payload any = msg
	if m, ok := msg.(CellSyncMessage); ok {
		payload = m.Operation
	}
	if m, ok := msg.(*CellSyncMessage); ok {
		payload = m.Operation
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.Type(), err)
	}
	data, err := json.Marshal(frame{Type: msg.Type(), Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", msg.Type(), err)
	}
	return data, nil
}

// Decode parses a wire frame into its typed message.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var (
		msg    Message
		target any
	)
	switch f.Type {
	case TypeSubscribe:
		m := &SubscribeMessage{}
		msg, target = m, m
	case TypeUnsubscribe:
		m := &UnsubscribeMessage{}
		msg, target = m, m
	case TypeAuthenticate:
		m := &AuthenticateMessage{}
		msg, target = m, m
	case TypeDataUpdate:
		m := &DataUpdateMessage{}
		msg, target = m, m
	case TypeCellSync:
		m := &CellSyncMessage{}
		msg, target = m, &m.Operation
	case TypeModelUpdate:
		m := &ModelUpdateMessage{}
		msg, target = m, m
	case TypeError:
		m := &ErrorMessage{}
		msg, target = m, m
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrInvalidMessage, f.Type)
	}

	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, target); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, f.Type, err)
		}
	}

	return deref(msg), nil
}

// deref returns value types so callers can type-switch on one form.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *SubscribeMessage:
		return *m
	case *UnsubscribeMessage:
		return *m
	case *AuthenticateMessage:
		return *m
	case *DataUpdateMessage:
		return *m
	case *CellSyncMessage:
		return *m
	case *ModelUpdateMessage:
		return *m
	case *ErrorMessage:
		return *m
	}
	return msg
}

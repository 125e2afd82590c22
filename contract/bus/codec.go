package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Marshal encodes a message into the JSON wire envelope shared by all broker adapters.
func Marshal(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", m.ID, errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// Unmarshal decodes a wire envelope. Payloads decode into generic JSON values;
// use DecodePayload to obtain a concrete type.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	if m.Channel == "" {
		return Message{}, fmt.Errorf("unmarshal message %s: %w", m.ID, berr.ErrInvalidChannel)
	}

	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("unmarshal message %s: type %q: %w", m.ID, m.Type, berr.ErrInvalidMessage)
	}

	return m, nil
}

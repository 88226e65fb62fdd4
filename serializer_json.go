package phxsocket

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// JSONSerializer implements the default text wire protocol: a JSON array of
// exactly five elements, [joinRef, ref, topic, event, payload]. A missing
// joinRef or ref serializes as JSON null. Uses bytedance/sonic as a
// drop-in, faster replacement for encoding/json (see DESIGN.md).
type JSONSerializer struct{}

// NewJSONSerializer returns the default text Serializer.
func NewJSONSerializer() JSONSerializer { return JSONSerializer{} }

func (JSONSerializer) Encode(m Message) (Frame, error) {
	arr := [5]any{
		ptrOrNull(m.JoinRef),
		ptrOrNull(m.Ref),
		m.Topic,
		string(m.Event),
		m.Payload,
	}
	data, err := sonic.Marshal(arr)
	if err != nil {
		return Frame{}, fmt.Errorf("phxsocket: encode message: %w", err)
	}
	return Frame{Binary: false, Data: data}, nil
}

func (JSONSerializer) Decode(f Frame) (Message, error) {
	if f.Binary {
		return Message{}, fmt.Errorf("phxsocket: JSONSerializer cannot decode a binary frame")
	}
	var raw []any
	if err := sonic.Unmarshal(f.Data, &raw); err != nil {
		return Message{}, fmt.Errorf("phxsocket: decode message: %w", err)
	}
	if len(raw) != 5 {
		return Message{}, fmt.Errorf("phxsocket: decode message: expected 5 elements, got %d", len(raw))
	}

	joinRef, err := asOptionalString(raw[0], "joinRef")
	if err != nil {
		return Message{}, err
	}
	ref, err := asOptionalString(raw[1], "ref")
	if err != nil {
		return Message{}, err
	}
	topic, ok := raw[2].(string)
	if !ok {
		return Message{}, fmt.Errorf("phxsocket: decode topic: not a string")
	}
	event, ok := raw[3].(string)
	if !ok {
		return Message{}, fmt.Errorf("phxsocket: decode event: not a string")
	}

	return Message{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   Event(event),
		Payload: raw[4],
	}, nil
}

func ptrOrNull(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func asOptionalString(v any, field string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("phxsocket: decode %s: not a string", field)
	}
	return &s, nil
}

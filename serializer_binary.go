package phxsocket

import "fmt"

// binary frame kinds, per spec §6's binary protocol table.
const (
	binaryKindPush      byte = 0x00
	binaryKindReply     byte = 0x01
	binaryKindBroadcast byte = 0x02
)

// BinarySerializer implements the optional binary wire protocol: all length
// fields are unsigned 8-bit, laid out byte-for-byte per spec §6. It is
// hand-rolled because no example-pack library encodes this exact framing;
// see DESIGN.md.
type BinarySerializer struct{}

// NewBinarySerializer returns the optional binary Serializer.
func NewBinarySerializer() BinarySerializer { return BinarySerializer{} }

func (BinarySerializer) Encode(m Message) (Frame, error) {
	switch {
	case m.Event == EventPhxReply:
		resp, ok := m.Payload.(PushResponse)
		if !ok {
			return Frame{}, fmt.Errorf("phxsocket: binary encode: phx_reply payload must be PushResponse")
		}
		respBytes, err := payloadBytes(resp.Response)
		if err != nil {
			return Frame{}, err
		}
		joinRef := ptrOrEmpty(m.JoinRef)
		ref := ptrOrEmpty(m.Ref)
		if len(joinRef) > 255 || len(ref) > 255 || len(m.Topic) > 255 || len(resp.Status) > 255 {
			return Frame{}, fmt.Errorf("phxsocket: binary encode: field exceeds 255 bytes")
		}
		buf := make([]byte, 0, 5+len(joinRef)+len(ref)+len(m.Topic)+len(resp.Status)+len(respBytes))
		buf = append(buf, binaryKindReply, byte(len(joinRef)), byte(len(ref)), byte(len(m.Topic)), byte(len(resp.Status)))
		buf = append(buf, joinRef...)
		buf = append(buf, ref...)
		buf = append(buf, m.Topic...)
		buf = append(buf, resp.Status...)
		buf = append(buf, respBytes...)
		return Frame{Binary: true, Data: buf}, nil

	case m.JoinRef != nil || m.Ref != nil:
		// Push frames are the ones carrying a joinRef and/or a ref; Broadcast
		// frames carry neither (see the Decode cases below). Ref alone is not
		// a safe discriminator: decoding a Push frame always zeroes Ref (open
		// question (b)), so branching on Ref alone would misclassify a
		// just-decoded Push message as Broadcast on re-encode.
		joinRef := ptrOrEmpty(m.JoinRef)
		payload, err := payloadBytes(m.Payload)
		if err != nil {
			return Frame{}, err
		}
		if len(joinRef) > 255 || len(m.Topic) > 255 || len(m.Event) > 255 {
			return Frame{}, fmt.Errorf("phxsocket: binary encode: field exceeds 255 bytes")
		}
		buf := make([]byte, 0, 4+len(joinRef)+len(m.Topic)+len(m.Event)+len(payload))
		buf = append(buf, binaryKindPush, byte(len(joinRef)), byte(len(m.Topic)), byte(len(m.Event)))
		buf = append(buf, joinRef...)
		buf = append(buf, m.Topic...)
		buf = append(buf, string(m.Event)...)
		buf = append(buf, payload...)
		return Frame{Binary: true, Data: buf}, nil

	default:
		payload, err := payloadBytes(m.Payload)
		if err != nil {
			return Frame{}, err
		}
		if len(m.Topic) > 255 || len(m.Event) > 255 {
			return Frame{}, fmt.Errorf("phxsocket: binary encode: field exceeds 255 bytes")
		}
		buf := make([]byte, 0, 3+len(m.Topic)+len(m.Event)+len(payload))
		buf = append(buf, binaryKindBroadcast, byte(len(m.Topic)), byte(len(m.Event)))
		buf = append(buf, m.Topic...)
		buf = append(buf, string(m.Event)...)
		buf = append(buf, payload...)
		return Frame{Binary: true, Data: buf}, nil
	}
}

func (BinarySerializer) Decode(f Frame) (Message, error) {
	if !f.Binary || len(f.Data) == 0 {
		return Message{}, fmt.Errorf("phxsocket: binary decode: empty or non-binary frame")
	}
	data := f.Data
	kind := data[0]
	rest := data[1:]

	switch kind {
	case binaryKindPush:
		lens, body, err := readLens(rest, 3)
		if err != nil {
			return Message{}, err
		}
		joinRef, body, err := takeField(body, lens[0])
		if err != nil {
			return Message{}, err
		}
		topic, body, err := takeField(body, lens[1])
		if err != nil {
			return Message{}, err
		}
		event, payload, err := takeField(body, lens[2])
		if err != nil {
			return Message{}, err
		}
		return Message{
			JoinRef: emptyToNilRef(joinRef),
			Ref:     nil, // push frames carry no ref field; spec §9 open question (b)
			Topic:   topic,
			Event:   Event(event),
			Payload: payload,
		}, nil

	case binaryKindReply:
		lens, body, err := readLens(rest, 4)
		if err != nil {
			return Message{}, err
		}
		joinRef, body, err := takeField(body, lens[0])
		if err != nil {
			return Message{}, err
		}
		ref, body, err := takeField(body, lens[1])
		if err != nil {
			return Message{}, err
		}
		topic, body, err := takeField(body, lens[2])
		if err != nil {
			return Message{}, err
		}
		status, responseBytes, err := takeField(body, lens[3])
		if err != nil {
			return Message{}, err
		}
		return Message{
			JoinRef: emptyToNilRef(joinRef),
			Ref:     emptyToNilRef(ref),
			Topic:   topic,
			Event:   EventPhxReply,
			Payload: PushResponse{Status: status, Response: responseBytes},
		}, nil

	case binaryKindBroadcast:
		lens, body, err := readLens(rest, 2)
		if err != nil {
			return Message{}, err
		}
		topic, body, err := takeField(body, lens[0])
		if err != nil {
			return Message{}, err
		}
		event, payload, err := takeField(body, lens[1])
		if err != nil {
			return Message{}, err
		}
		return Message{
			Topic:   topic,
			Event:   Event(event),
			Payload: payload,
		}, nil

	default:
		return Message{}, fmt.Errorf("phxsocket: binary decode: unknown kind byte 0x%02x", kind)
	}
}

func readLens(data []byte, n int) ([]byte, []byte, error) {
	if len(data) < n {
		return nil, nil, fmt.Errorf("phxsocket: binary decode: truncated header")
	}
	return data[:n], data[n:], nil
}

func takeField(data []byte, n byte) (string, []byte, error) {
	if len(data) < int(n) {
		return "", nil, fmt.Errorf("phxsocket: binary decode: truncated field")
	}
	return string(data[:n]), data[n:], nil
}

func emptyToNilRef(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptrOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func payloadBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("phxsocket: binary encode: payload must be []byte, string, or nil")
	}
}

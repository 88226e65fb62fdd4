package phxsocket

import "fmt"

// Event identifies a message's event name. Reserved events are given typed
// constants; application events are arbitrary strings.
type Event string

// Reserved protocol event names, per spec §6.
const (
	EventPhxClose    Event = "phx_close"
	EventPhxError    Event = "phx_error"
	EventPhxJoin     Event = "phx_join"
	EventPhxReply    Event = "phx_reply"
	EventPhxLeave    Event = "phx_leave"
	EventHeartbeat   Event = "heartbeat"
)

// PhoenixTopic is the reserved topic heartbeats are sent on.
const PhoenixTopic = "phoenix"

// ProtocolVersion is merged into the connection URL as the vsn query param.
const ProtocolVersion = "2.0.0"

// isReservedInternalEvent reports whether e is one of the five events that
// Channel's stale-frame filter (spec §4.4) applies to.
func isReservedInternalEvent(e Event) bool {
	switch e {
	case EventPhxClose, EventPhxError, EventPhxJoin, EventPhxReply, EventPhxLeave:
		return true
	default:
		return false
	}
}

// ChanReplyEvent builds the synthesized local event name a Channel re-emits
// an inbound phx_reply under, so the originating Push can observe it.
func ChanReplyEvent(ref string) Event {
	return Event(fmt.Sprintf("chan_reply_%s", ref))
}

// Message is the wire frame, immutable once constructed. JoinRef and Ref are
// pointers so a present-but-empty-string value is distinguishable from
// "absent" (serialized as JSON null).
type Message struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   Event
	Payload any
}

// Heartbeat builds the canonical heartbeat Message: topic "phoenix", event
// "heartbeat", empty JSON object payload.
func Heartbeat(ref string) Message {
	return Message{
		Ref:     &ref,
		Topic:   PhoenixTopic,
		Event:   EventHeartbeat,
		Payload: map[string]any{},
	}
}

// TimeoutFor synthesizes a local message representing a push timing out, fed
// into the same Push.trigger path a real inbound phx_reply would take, under
// that push's own chan_reply_<ref> event name.
func TimeoutFor(ref string) Message {
	return Message{
		Ref:     &ref,
		Event:   ChanReplyEvent(ref),
		Payload: PushResponse{Status: "timeout"},
	}
}

// PushResponse is the decoded body of a phx_reply: {status, response}.
// Status is conventionally "ok", "error", or the synthesized "timeout".
type PushResponse struct {
	Status   string `json:"status"`
	Response any    `json:"response"`
}

// normalizePushResponse coerces a decoded phx_reply payload into a
// PushResponse, whatever shape the active Serializer produced it in: the
// binary serializer already hands back a PushResponse, while the JSON
// serializer decodes {status, response} generically into a map.
func normalizePushResponse(payload any) PushResponse {
	switch v := payload.(type) {
	case PushResponse:
		return v
	case map[string]any:
		status, _ := v["status"].(string)
		return PushResponse{Status: status, Response: v["response"]}
	default:
		return PushResponse{Status: "error", Response: payload}
	}
}

func refOrNil(r *string) string {
	if r == nil {
		return "<nil>"
	}
	return *r
}

func (m Message) String() string {
	return fmt.Sprintf("Message{joinRef=%s ref=%s topic=%q event=%q payload=%v}",
		refOrNil(m.JoinRef), refOrNil(m.Ref), m.Topic, m.Event, m.Payload)
}

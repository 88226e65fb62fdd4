package phxsocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSerializerRoundTrip(t *testing.T) {
	ser := NewJSONSerializer()
	joinRef := "1"
	ref := "2"
	msg := Message{
		JoinRef: &joinRef,
		Ref:     &ref,
		Topic:   "room:lobby",
		Event:   "new_msg",
		Payload: map[string]any{"body": "hello"},
	}

	frame, err := ser.Encode(msg)
	require.NoError(t, err)
	assert.False(t, frame.Binary)

	decoded, err := ser.Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, decoded.JoinRef)
	require.NotNil(t, decoded.Ref)
	assert.Equal(t, "1", *decoded.JoinRef)
	assert.Equal(t, "2", *decoded.Ref)
	assert.Equal(t, "room:lobby", decoded.Topic)
	assert.Equal(t, Event("new_msg"), decoded.Event)
}

func TestJSONSerializerNullRefs(t *testing.T) {
	ser := NewJSONSerializer()
	msg := Message{Topic: "phoenix", Event: EventHeartbeat, Payload: map[string]any{}}

	frame, err := ser.Encode(msg)
	require.NoError(t, err)

	decoded, err := ser.Decode(frame)
	require.NoError(t, err)
	assert.Nil(t, decoded.JoinRef)
	assert.Nil(t, decoded.Ref)
}

func TestBinarySerializerRoundTripPush(t *testing.T) {
	ser := BinarySerializer{}
	joinRef := "5"
	ref := "6"
	msg := Message{
		JoinRef: &joinRef,
		Ref:     &ref,
		Topic:   "room:lobby",
		Event:   "shout",
		Payload: []byte("raw bytes"),
	}

	frame, err := ser.Encode(msg)
	require.NoError(t, err)
	assert.True(t, frame.Binary)

	decoded, err := ser.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "room:lobby", decoded.Topic)
	assert.Equal(t, Event("shout"), decoded.Event)
	require.NotNil(t, decoded.JoinRef)
	assert.Equal(t, "5", *decoded.JoinRef)
}

func TestBinarySerializerRoundTripReply(t *testing.T) {
	ser := BinarySerializer{}
	joinRef := "1"
	ref := "2"
	msg := Message{
		JoinRef: &joinRef,
		Ref:     &ref,
		Topic:   "room:lobby",
		Event:   EventPhxReply,
		Payload: PushResponse{Status: "ok", Response: []byte(`{"k":1}`)},
	}

	frame, err := ser.Encode(msg)
	require.NoError(t, err)

	decoded, err := ser.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventPhxReply, decoded.Event)
	resp, ok := decoded.Payload.(PushResponse)
	require.True(t, ok)
	assert.Equal(t, "ok", resp.Status)
}

func TestBinarySerializerPushReencodesToSameFrame(t *testing.T) {
	ser := BinarySerializer{}
	joinRef := "5"
	ref := "6"
	msg := Message{
		JoinRef: &joinRef,
		Ref:     &ref,
		Topic:   "room:lobby",
		Event:   "shout",
		Payload: []byte("raw bytes"),
	}

	frame, err := ser.Encode(msg)
	require.NoError(t, err)

	decoded, err := ser.Decode(frame)
	require.NoError(t, err)
	require.Nil(t, decoded.Ref) // open question (b): push frames decode with Ref zeroed

	reencoded, err := ser.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, frame.Data[0], reencoded.Data[0], "re-encoding a decoded push must still choose the push kind byte")
	assert.Equal(t, binaryKindPush, reencoded.Data[0])

	redecoded, err := ser.Decode(reencoded)
	require.NoError(t, err)
	assert.Equal(t, decoded, redecoded)
	require.NotNil(t, redecoded.JoinRef)
	assert.Equal(t, "5", *redecoded.JoinRef)
}

func TestBinarySerializerUnknownKind(t *testing.T) {
	ser := BinarySerializer{}
	_, err := ser.Decode(Frame{Binary: true, Data: []byte{0xFF}})
	assert.Error(t, err)
}

func TestChanReplyEvent(t *testing.T) {
	assert.Equal(t, Event("chan_reply_42"), ChanReplyEvent("42"))
}

func TestIsReservedInternalEvent(t *testing.T) {
	assert.True(t, isReservedInternalEvent(EventPhxJoin))
	assert.True(t, isReservedInternalEvent(EventPhxReply))
	assert.False(t, isReservedInternalEvent(Event("new_msg")))
}

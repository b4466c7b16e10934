package peerprotocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMessageRoundTrip(t *testing.T) {
	want := RequestMessage{Index: 7, Begin: 16384, Length: 16384}
	b, err := want.MarshalBinary()
	require.NoError(t, err)

	var got RequestMessage
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, want, got)
}

func TestHaveMessageRoundTrip(t *testing.T) {
	want := HaveMessage{Index: 42}
	b, err := want.MarshalBinary()
	require.NoError(t, err)

	var got HaveMessage
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, want, got)
	assert.Equal(t, Have, want.ID())
}

func TestAllowedFastEmbedsHave(t *testing.T) {
	m := AllowedFastMessage{HaveMessage{Index: 3}}
	assert.Equal(t, AllowedFast, m.ID())
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, 4)
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	hs := NewExtensionHandshake(1024, "rain/2.0", 6881, net.ParseIP("1.2.3.4"), false, 250)
	msg := ExtensionMessage{ExtendedMessageID: ExtensionIDHandshake, Payload: hs}
	b, err := msg.MarshalBinary()
	require.NoError(t, err)

	var got ExtensionMessage
	require.NoError(t, got.UnmarshalBinary(b))
	parsed, ok := got.Payload.(ExtensionHandshakeMessage)
	require.True(t, ok)
	assert.Equal(t, uint16(6881), parsed.P)
	assert.Equal(t, 250, parsed.RequestQueue)
	assert.Equal(t, "rain/2.0", parsed.V)
}

func TestEmptyMessagesHaveNoPayload(t *testing.T) {
	for _, m := range []Message{
		ChokeMessage{}, UnchokeMessage{}, InterestedMessage{}, NotInterestedMessage{},
		HaveAllMessage{}, HaveNoneMessage{},
	} {
		b, err := m.MarshalBinary()
		require.NoError(t, err)
		assert.Empty(t, b)
	}
}

func TestMessageIDString(t *testing.T) {
	assert.Equal(t, "suggest", Suggest.String())
	assert.Equal(t, "allowed fast", AllowedFast.String())
	assert.Equal(t, "21", MessageID(21).String())
}

package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_OfferRoundTrip(t *testing.T) {
	b, err := NewOffer("PC1", "App1", "v=0").Marshal()
	require.NoError(t, err)

	got, err := ParseMessage(b)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeOffer, got.Type)
	assert.Equal(t, "PC1", got.From)
	assert.Equal(t, "App1", got.To)
	assert.Equal(t, "v=0", got.SDP)
}

func TestMessage_ParseICECandidate(t *testing.T) {
	raw := []byte(`{
		"type":"ice",
		"from":"App1",
		"to":"PC1",
		"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
		"sdpMid":"0",
		"sdpMLineIndex":1
	}`)

	got, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeICE, got.Type)
	require.NotNil(t, got.SDPMid)
	assert.Equal(t, "0", *got.SDPMid)
	require.NotNil(t, got.SDPMLineIndex)
	assert.EqualValues(t, 1, *got.SDPMLineIndex)
}

func TestMessage_WireFieldNames(t *testing.T) {
	idx := uint16(0)
	mid := "video"
	b, err := json.Marshal(NewICECandidate("a", "b", "candidate:x", &idx, &mid))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "ice", m["type"])
	assert.Equal(t, "candidate:x", m["candidate"])
	assert.Equal(t, "video", m["sdpMid"])
	assert.EqualValues(t, 0, m["sdpMLineIndex"])
	assert.NotContains(t, m, "sdp")
}

func TestMessage_ParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":    `{"type":"offer","to":"a","sdp":"v=0","extra":1}`,
		"missing sdp":      `{"type":"answer","to":"a"}`,
		"missing to":       `{"type":"offer","sdp":"v=0"}`,
		"bad type":         `{"type":"close","to":"a"}`,
		"ice without cand": `{"type":"ice","to":"a"}`,
		"ice with sdp":     `{"type":"ice","to":"a","candidate":"c","sdp":"v=0"}`,
		"offer with cand":  `{"type":"offer","to":"a","sdp":"v=0","candidate":"c"}`,
		"trailing data":    `{"type":"offer","to":"a","sdp":"v=0"} {}`,
		"not json":         `nope`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage([]byte(raw))
			require.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

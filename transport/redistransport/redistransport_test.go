package redistransport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"@mw_lv/0/**", "@mw_lv/0/abc/1/1/NN/%/talker/%", true},
		{"@mw_lv/0/**", "@mw_lv/1/abc/1/1/NN/%/talker/%", false},
		{"@mw_lv/0/**", "@mw_lv/0", false},
		{"exact/key", "exact/key", true},
		{"exact/key", "exact/key/extra", false},
		{"**", "anything", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPattern(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func TestChannelNaming(t *testing.T) {
	tr := &Transport{namespace: "mw"}
	assert.Equal(t, "mw:data:0/%chatter/Pkg%Msg", tr.dataChannel("0/%chatter/Pkg%Msg"))
	assert.Equal(t, "mw:query:0/%add/Pkg%Srv", tr.queryChannel("0/%add/Pkg%Srv"))
	assert.Equal(t, "mw:liveliness", tr.livelinessChannel())
	assert.Equal(t, "mw:tokens:@mw_lv/0/s/1/1/NN/%/n/%", tr.tokenKey("@mw_lv/0/s/1/1/NN/%/n/%"))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := envelope{Payload: []byte("hello"), Attachment: []byte{0x01, 0x02}, ReplyTo: "mw:reply:abc"}
	frame, err := json.Marshal(in)
	require.NoError(t, err)

	var out envelope
	require.NoError(t, json.Unmarshal(frame, &out))
	assert.Equal(t, in, out)

	// Empty attachment and reply_to stay off the wire.
	frame, err = json.Marshal(envelope{Payload: []byte("x")})
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "attachment")
	assert.NotContains(t, string(frame), "reply_to")
}

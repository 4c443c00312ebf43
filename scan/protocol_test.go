package scan

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarIntVectors(t *testing.T) {
	vectors := []struct {
		value int32
		bytes []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xff, 0x01}},
		{25565, []byte{0xdd, 0xc7, 0x01}},
		{2097151, []byte{0xff, 0xff, 0x7f}},
		{2147483647, []byte{0xff, 0xff, 0xff, 0xff, 0x07}},
		{-1, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
	}
	for _, v := range vectors {
		var buf bytes.Buffer
		writeVarInt(&buf, v.value)
		assert.Equal(t, v.bytes, buf.Bytes(), "encode %d", v.value)

		decoded, err := readVarInt(bytes.NewReader(v.bytes))
		require.NoError(t, err, "decode %d", v.value)
		assert.Equal(t, v.value, decoded)
	}
}

func TestVarIntRejectsOverlongEncoding(t *testing.T) {
	_, err := readVarInt(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	require.ErrorIs(t, err, errVarIntTooLong)
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	writeVarInt(&buf, 1<<24)
	buf.Write(make([]byte, 16))

	_, _, err := readFrame(&buf, DefaultMaxFrame)
	require.ErrorIs(t, err, errFrameTooLarge)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	writeVarInt(&buf, 100)
	buf.Write([]byte{0x00, 0x01, 0x02})

	_, _, err := readFrame(&buf, DefaultMaxFrame)
	require.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")
	require.NoError(t, writeFrame(&buf, 0x00, payload))

	id, got, err := readFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)
	assert.Equal(t, payload, got)
}

func statusPayload(doc string) []byte {
	var buf bytes.Buffer
	writeString(&buf, doc)
	return buf.Bytes()
}

func TestParseStatus(t *testing.T) {
	doc := `{"version":{"name":"1.20.4","protocol":765},` +
		`"players":{"online":3,"max":20,"sample":[{"name":"steve"}]},` +
		`"description":"A Minecraft Server"}`

	status, err := parseStatus(statusPayload(doc))
	require.NoError(t, err)
	assert.Equal(t, "1.20.4", status.Version.Name)
	assert.Equal(t, 765, status.Version.Protocol)
	assert.Equal(t, 3, status.Players.Online)
	assert.Equal(t, 20, status.Players.Max)
	assert.Equal(t, "A Minecraft Server", motdText(status.Description))
}

func TestParseStatusMissingFieldsIsError(t *testing.T) {
	_, err := parseStatus(statusPayload(`{"description":"hi"}`))
	require.Error(t, err)

	_, err = parseStatus(statusPayload(`{"version":{"name":"x","protocol":1}}`))
	require.Error(t, err)
}

func TestParseStatusMalformedJSON(t *testing.T) {
	_, err := parseStatus(statusPayload(`{"version":`))
	require.Error(t, err)
}

func TestParseStatusLengthMismatch(t *testing.T) {
	payload := statusPayload(`{"version":{"name":"x","protocol":1},"players":{"online":0,"max":0}}`)
	_, err := parseStatus(payload[:len(payload)-4])
	require.Error(t, err)
}

func TestMOTDChatComponents(t *testing.T) {
	cases := map[string]string{
		`"plain text"`:     "plain text",
		`{"text":"hello"}`: "hello",
		`{"text":"a","extra":[{"text":"b"},{"text":"c"}]}`: "abc",
		`{"extra":[{"text":"x","extra":[{"text":"y"}]}]}`:  "xy",
	}
	for raw, want := range cases {
		assert.Equal(t, want, motdText(json.RawMessage(raw)), raw)
	}
}

func TestMOTDDeeplyNestedComponentsAreCapped(t *testing.T) {
	// 1000 nested "extra" levels with the text at the bottom. Flattening must
	// stop at the depth cap instead of recursing all the way down.
	doc := `{"text":"top"`
	for i := 0; i < 1000; i++ {
		doc += `,"extra":[{"text":""`
	}
	doc += `,"extra":[{"text":"bottom"}]`
	for i := 0; i < 1000; i++ {
		doc += `}]`
	}
	doc += `}`

	got := motdText(json.RawMessage(doc))
	assert.Equal(t, "top", got)
	assert.NotContains(t, got, "bottom")
}

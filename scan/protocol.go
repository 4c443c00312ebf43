package scan

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrame bounds the declared length of an incoming frame. Status
// responses carrying a favicon run to a few hundred KiB; anything past this
// is a hostile or broken peer.
const DefaultMaxFrame = 2 << 20

var (
	errVarIntTooLong = errors.New("varint exceeds 5 bytes")
	errFrameTooLarge = errors.New("frame length exceeds maximum")
)

// writeVarInt appends the Minecraft VarInt encoding of v.
func writeVarInt(buf *bytes.Buffer, v int32) {
	u := uint32(v)
	for {
		b := byte(u & 0x7f)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if u == 0 {
			return
		}
	}
}

// readVarInt decodes a VarInt from r, one byte at a time. Encodings longer
// than 5 bytes are rejected.
func readVarInt(r io.Reader) (int32, error) {
	var v uint32
	var one [1]byte
	for i := 0; i < 5; i++ {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return 0, err
		}
		v |= uint32(one[0]&0x7f) << (7 * i)
		if one[0]&0x80 == 0 {
			return int32(v), nil
		}
	}
	return 0, errVarIntTooLong
}

func writeString(buf *bytes.Buffer, s string) {
	writeVarInt(buf, int32(len(s)))
	buf.WriteString(s)
}

// writeFrame sends a length-prefixed packet: VarInt total length, VarInt
// packet id, payload.
func writeFrame(w io.Writer, packetID int32, payload []byte) error {
	var body bytes.Buffer
	writeVarInt(&body, packetID)
	body.Write(payload)

	var frame bytes.Buffer
	writeVarInt(&frame, int32(body.Len()))
	frame.Write(body.Bytes())
	_, err := w.Write(frame.Bytes())
	return err
}

// readFrame reads one length-prefixed packet and returns the packet id and
// payload. Frames declaring more than maxFrame bytes are rejected before any
// allocation; truncated reads surface as the underlying read error.
func readFrame(r io.Reader, maxFrame int32) (int32, []byte, error) {
	length, err := readVarInt(r)
	if err != nil {
		return 0, nil, err
	}
	if length <= 0 || length > maxFrame {
		return 0, nil, errFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	br := bytes.NewReader(body)
	id, err := readVarInt(br)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, br.Len())
	_, _ = br.Read(payload)
	return id, payload, nil
}

// handshakePayload builds the handshake packet body: protocol version -1
// (status query), the server address, the port, and next-state 1 (status).
func handshakePayload(host string, port uint16) []byte {
	var buf bytes.Buffer
	writeVarInt(&buf, -1)
	writeString(&buf, host)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	buf.Write(p[:])
	writeVarInt(&buf, 1)
	return buf.Bytes()
}

// statusResponse mirrors the status JSON document. Description is kept raw
// because servers send either a plain string or a chat component object.
type statusResponse struct {
	Version *struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players *struct {
		Online int `json:"online"`
		Max    int `json:"max"`
		Sample []struct {
			Name string `json:"name"`
		} `json:"sample"`
	} `json:"players"`
	Description json.RawMessage `json:"description"`
	Favicon     string          `json:"favicon"`
}

// parseStatus decodes a status response payload (VarInt-prefixed JSON string).
// A document that parses but omits version or players is an error: the caller
// reports it as a protocol failure, not a discovery.
func parseStatus(payload []byte) (*statusResponse, error) {
	br := bytes.NewReader(payload)
	strLen, err := readVarInt(br)
	if err != nil {
		return nil, err
	}
	if int(strLen) != br.Len() {
		return nil, fmt.Errorf("status string length %d does not match payload %d", strLen, br.Len())
	}
	doc := make([]byte, strLen)
	if _, err := io.ReadFull(br, doc); err != nil {
		return nil, err
	}

	var status statusResponse
	if err := json.Unmarshal(doc, &status); err != nil {
		return nil, fmt.Errorf("malformed status document: %w", err)
	}
	if status.Version == nil || status.Players == nil {
		return nil, errors.New("status document missing version or players")
	}
	return &status, nil
}

// maxChatDepth bounds how far nested "extra" components are flattened. Real
// descriptions nest a handful of levels; anything deeper is a hostile peer.
const maxChatDepth = 32

// motdText flattens a description field into plain text. Handles the three
// shapes seen in the wild: a bare string, {"text": ...}, and chat components
// with an "extra" array.
func motdText(raw json.RawMessage) string {
	return chatText(raw, 0)
}

func chatText(raw json.RawMessage, depth int) string {
	if len(raw) == 0 || depth > maxChatDepth {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var chat struct {
		Text  string            `json:"text"`
		Extra []json.RawMessage `json:"extra"`
	}
	if err := json.Unmarshal(raw, &chat); err != nil {
		return ""
	}
	text := chat.Text
	for _, part := range chat.Extra {
		text += chatText(part, depth+1)
	}
	return text
}

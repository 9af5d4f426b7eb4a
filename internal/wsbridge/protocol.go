package wsbridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"karl/internal/wire"
)

// Protocol names the two supported client wire protocols.
type Protocol string

const (
	// ProtocolV1 is the binary framing, negotiated via the
	// "v1.kernel.websocket.jupyter.org" subprotocol.
	ProtocolV1 Protocol = "v1.kernel.websocket.jupyter.org"
	// ProtocolLegacy is the JSON-text / simple-binary-blob fallback used
	// when no subprotocol (or an unrecognized one) is requested.
	ProtocolLegacy Protocol = "legacy"
)

// legacyEnvelope is the full message dict the legacy protocol exchanges,
// with the channel folded in as a sibling field.
type legacyEnvelope struct {
	Header       wire.Header            `json:"header"`
	ParentHeader wire.Header            `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      map[string]interface{} `json:"content"`
	Channel      string                 `json:"channel"`
}

// EncodeV1 packs channel + msg into a single binary frame: an offset
// table, then the channel name, then header,
// parent_header, metadata, content, and any binary buffers.
func EncodeV1(channel string, msg wire.Message) ([]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: v1 encode header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: v1 encode parent_header: %w", err)
	}
	meta := msg.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: v1 encode metadata: %w", err)
	}
	content := msg.Content
	if content == nil {
		content = map[string]interface{}{}
	}
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: v1 encode content: %w", err)
	}

	parts := make([][]byte, 0, 5+len(msg.Buffers))
	parts = append(parts, []byte(channel), header, parent, metaBytes, contentBytes)
	parts = append(parts, msg.Buffers...)

	offsetCount := len(parts)
	headerSize := 8 + 8*offsetCount
	offsets := make([]uint64, offsetCount)
	cur := uint64(headerSize)
	for i, p := range parts {
		offsets[i] = cur
		cur += uint64(len(p))
	}

	buf := make([]byte, 0, cur)
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, uint64(offsetCount))
	buf = append(buf, tmp...)
	for _, o := range offsets {
		binary.LittleEndian.PutUint64(tmp, o)
		buf = append(buf, tmp...)
	}
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf, nil
}

// DecodeV1 parses a single v1 binary frame back into channel + Message.
func DecodeV1(data []byte) (string, wire.Message, error) {
	if len(data) < 8 {
		return "", wire.Message{}, fmt.Errorf("wsbridge: v1 frame too short")
	}
	offsetCount := binary.LittleEndian.Uint64(data[:8])
	headerSize := 8 + 8*offsetCount
	if uint64(len(data)) < headerSize || offsetCount < 5 {
		return "", wire.Message{}, fmt.Errorf("wsbridge: v1 malformed offset table")
	}
	offsets := make([]uint64, offsetCount)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(data[8+8*uint64(i) : 16+8*uint64(i)])
	}
	parts := make([][]byte, offsetCount)
	for i := range offsets {
		start := offsets[i]
		end := uint64(len(data))
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if start > uint64(len(data)) || end > uint64(len(data)) || start > end {
			return "", wire.Message{}, fmt.Errorf("wsbridge: v1 offset out of range")
		}
		parts[i] = data[start:end]
	}

	channel := string(parts[0])
	var msg wire.Message
	if err := json.Unmarshal(parts[1], &msg.Header); err != nil {
		return "", wire.Message{}, fmt.Errorf("wsbridge: v1 decode header: %w", err)
	}
	_ = json.Unmarshal(parts[2], &msg.ParentHeader)
	_ = json.Unmarshal(parts[3], &msg.Metadata)
	_ = json.Unmarshal(parts[4], &msg.Content)
	msg.Buffers = parts[5:]
	return channel, msg, nil
}

// EncodeLegacy returns the legacy-protocol frame for channel + msg: a JSON
// text frame with no buffers, or a binary blob (4-byte nbufs + offsets,
// first buffer the JSON message) when buffers are present. The bool
// return reports whether the frame is binary.
func EncodeLegacy(channel string, msg wire.Message) ([]byte, bool, error) {
	env := legacyEnvelope{
		Header:       msg.Header,
		ParentHeader: msg.ParentHeader,
		Metadata:     msg.Metadata,
		Content:      msg.Content,
		Channel:      channel,
	}
	js, err := json.Marshal(env)
	if err != nil {
		return nil, false, fmt.Errorf("wsbridge: legacy encode: %w", err)
	}
	if len(msg.Buffers) == 0 {
		return js, false, nil
	}

	bufs := append([][]byte{js}, msg.Buffers...)
	nbufs := len(bufs)
	headerSize := 4 + 4*nbufs
	out := make([]byte, headerSize)
	binary.BigEndian.PutUint32(out[0:4], uint32(nbufs))
	offset := uint32(headerSize)
	for i, b := range bufs {
		binary.BigEndian.PutUint32(out[4+4*i:8+4*i], offset)
		offset += uint32(len(b))
	}
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out, true, nil
}

// DecodeLegacy parses a legacy-protocol frame (JSON text, or the
// nbufs/offsets binary blob) back into channel + Message.
func DecodeLegacy(data []byte, isBinary bool) (string, wire.Message, error) {
	if !isBinary {
		var env legacyEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return "", wire.Message{}, fmt.Errorf("wsbridge: legacy decode json: %w", err)
		}
		return env.Channel, wire.Message{Header: env.Header, ParentHeader: env.ParentHeader, Metadata: env.Metadata, Content: env.Content}, nil
	}

	if len(data) < 4 {
		return "", wire.Message{}, fmt.Errorf("wsbridge: legacy binary frame too short")
	}
	nbufs := binary.BigEndian.Uint32(data[0:4])
	headerSize := 4 + 4*int(nbufs)
	if nbufs == 0 || len(data) < headerSize {
		return "", wire.Message{}, fmt.Errorf("wsbridge: legacy malformed offset table")
	}
	offsets := make([]uint32, nbufs)
	for i := range offsets {
		offsets[i] = binary.BigEndian.Uint32(data[4+4*i : 8+4*i])
	}
	bufs := make([][]byte, nbufs)
	for i := range offsets {
		start := offsets[i]
		end := uint32(len(data))
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		bufs[i] = data[start:end]
	}

	var env legacyEnvelope
	if err := json.Unmarshal(bufs[0], &env); err != nil {
		return "", wire.Message{}, fmt.Errorf("wsbridge: legacy decode embedded json: %w", err)
	}
	msg := wire.Message{Header: env.Header, ParentHeader: env.ParentHeader, Metadata: env.Metadata, Content: env.Content}
	if len(bufs) > 1 {
		msg.Buffers = bufs[1:]
	}
	return env.Channel, msg, nil
}

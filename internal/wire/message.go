// Package wire implements the Jupyter-style five-part message envelope
// shared by the kernel manager (control channel), the multi-kernel
// manager's IOPub tap, and the WebSocket bridge.
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/gofrs/uuid"
)

// delimiter is the frame that separates routing identities from the signed
// message parts, per the Jupyter wire protocol.
const delimiter = "<IDS|MSG>"

// Header is the per-message envelope header.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// NewHeader builds a header for an outbound message.
func NewHeader(session, msgType string) Header {
	id, err := uuid.NewV4()
	msgID := ""
	if err == nil {
		msgID = id.String()
	}
	return Header{
		MsgID:    msgID,
		Session:  session,
		Username: "kernel",
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  "5.3",
	}
}

// Message is the full five-part envelope: header, parent_header, metadata,
// content, and any trailing binary buffers.
type Message struct {
	Header       Header                 `json:"header"`
	ParentHeader Header                 `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      map[string]interface{} `json:"content"`
	Buffers      [][]byte               `json:"-"`
}

// Channel tags a Message with the logical ZMQ stream it arrived on or is
// bound for.
type Channel string

const (
	ChannelShell   Channel = "shell"
	ChannelIOPub   Channel = "iopub"
	ChannelStdin   Channel = "stdin"
	ChannelControl Channel = "control"
	ChannelHB      Channel = "hb"
)

// Frames holds a decoded message alongside the leading routing identities
// (present on DEALER/ROUTER sockets) needed to reply.
type Frames struct {
	Identities [][]byte
	Msg        Message
}

// Sign computes the HMAC-SHA256 signature over the four JSON parts, per
// the connection file's signature_scheme. An empty key means unsigned.
func Sign(key string, header, parentHeader, metadata, content []byte) string {
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(header)
	mac.Write(parentHeader)
	mac.Write(metadata)
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil))
}

// Decode parses a raw ZMQ multi-part message into identities + Message,
// verifying the HMAC signature against key (skipped if key is empty).
func Decode(raw zmq4.Msg, key string) (Frames, error) {
	frames := raw.Frames
	idx := -1
	for i, f := range frames {
		if string(f) == delimiter {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Frames{}, fmt.Errorf("wire: delimiter %q not found in %d frames", delimiter, len(frames))
	}
	if len(frames) < idx+6 {
		return Frames{}, fmt.Errorf("wire: truncated message after delimiter")
	}

	signature := string(frames[idx+1])
	headerBytes := frames[idx+2]
	parentBytes := frames[idx+3]
	metaBytes := frames[idx+4]
	contentBytes := frames[idx+5]
	buffers := frames[idx+6:]

	if key != "" {
		expected := Sign(key, headerBytes, parentBytes, metaBytes, contentBytes)
		if signature != expected {
			return Frames{}, fmt.Errorf("wire: signature mismatch")
		}
	}

	var m Message
	if err := json.Unmarshal(headerBytes, &m.Header); err != nil {
		return Frames{}, fmt.Errorf("wire: decode header: %w", err)
	}
	if len(parentBytes) > 0 {
		_ = json.Unmarshal(parentBytes, &m.ParentHeader)
	}
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &m.Metadata)
	}
	if len(contentBytes) > 0 {
		_ = json.Unmarshal(contentBytes, &m.Content)
	}
	m.Buffers = buffers

	return Frames{Identities: append([][]byte{}, frames[:idx]...), Msg: m}, nil
}

// Encode serializes a Message (with optional leading routing identities)
// into a raw ZMQ multi-part message, signing it with key.
func Encode(identities [][]byte, msg Message, key string) (zmq4.Msg, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return zmq4.Msg{}, fmt.Errorf("wire: marshal header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return zmq4.Msg{}, fmt.Errorf("wire: marshal parent_header: %w", err)
	}
	meta := msg.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return zmq4.Msg{}, fmt.Errorf("wire: marshal metadata: %w", err)
	}
	content := msg.Content
	if content == nil {
		content = map[string]interface{}{}
	}
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return zmq4.Msg{}, fmt.Errorf("wire: marshal content: %w", err)
	}

	sig := Sign(key, header, parent, metaBytes, contentBytes)

	frames := make([][]byte, 0, len(identities)+6+len(msg.Buffers))
	frames = append(frames, identities...)
	frames = append(frames, []byte(delimiter), []byte(sig), header, parent, metaBytes, contentBytes)
	frames = append(frames, msg.Buffers...)

	return zmq4.NewMsgFrom(frames...), nil
}

// ExecutionState returns the content.execution_state of a status message,
// or "" if msg is not a status message.
func ExecutionState(msg Message) string {
	if msg.Header.MsgType != "status" {
		return ""
	}
	state, _ := msg.Content["execution_state"].(string)
	return state
}

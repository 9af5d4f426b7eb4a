// Package wsbridge owns one client-facing WebSocket per connected kernel
// and relays frames between it and the kernel's five ZMQ channels.
package wsbridge

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"karl/internal/connfile"
	"karl/internal/kernelmanager"
	"karl/internal/multikernel"
	"karl/internal/wire"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

// legalChannels are the only channel tags a client may address.
// Heartbeat is absent: the bridge exchanges hb frames with the kernel
// directly and never exposes the channel.
var legalChannels = map[string]bool{
	"shell": true, "iopub": true, "stdin": true, "control": true,
}

// Options configures a Bridge.
type Options struct {
	AllowTracebacks bool
	AllowedMsgTypes map[string]bool // nil/empty means allow all

	// KernelInfoTimeout bounds how long Serve waits for the kernel to be
	// alive before giving up on the open. The value is taken literally: a
	// zero timeout fails a not-yet-alive kernel's open immediately.
	KernelInfoTimeout time.Duration
}

// Bridge serves GET /api/kernels/{id}/channels.
type Bridge struct {
	mkm      *multikernel.Manager
	opts     Options
	upgrader websocket.Upgrader
}

// New constructs a Bridge over mkm.
func New(mkm *multikernel.Manager, opts Options) *Bridge {
	return &Bridge{
		mkm:  mkm,
		opts: opts,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{string(ProtocolV1)},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles one GET /api/kernels/{id}/channels request for the
// duration of the WebSocket connection; it returns once the client
// disconnects.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, kernelID string) {
	km, ok := b.mkm.Get(kernelID)
	if !ok {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	protocol := ProtocolLegacy
	for _, p := range websocket.Subprotocols(r) {
		if p == string(ProtocolV1) {
			protocol = ProtocolV1
			break
		}
	}

	var respHeader http.Header
	if protocol == ProtocolV1 {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{string(ProtocolV1)}}
	}

	conn, err := b.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Printf("wsbridge: upgrade failed: %v", err)
		return
	}

	sessionKey := r.URL.Query().Get("session_id")
	if sessionKey == "" {
		if id, err := uuid.NewV4(); err == nil {
			sessionKey = id.String()
		}
	}

	// A client returning with the session_key the offline buffer was keyed
	// by gets the live channels and the held frames back; anyone else gets
	// fresh channels (GetBuffer discards a mismatched buffer itself).
	var channels map[connfile.Channel]*connfile.Stream
	var replay []multikernel.BufferedFrame
	if buf, streams := b.mkm.GetBuffer(kernelID, sessionKey); buf != nil {
		channels = streams
		replay = buf.Drain()
	} else {
		channels, err = openChannels(km)
		if err != nil {
			log.Printf("wsbridge: failed to open channels for %s: %v", kernelID, err)
			_ = conn.Close()
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.KernelInfoTimeout)
	defer cancel()
	if !waitAlive(ctx, km) {
		log.Printf("wsbridge: kernel %s not alive within kernel_info_timeout", kernelID)
		closeChannels(channels)
		_ = conn.Close()
		return
	}

	b.mkm.NotifyConnect(kernelID)
	c := &connection{
		bridge:     b,
		km:         km,
		kernelID:   kernelID,
		conn:       conn,
		protocol:   protocol,
		sessionKey: sessionKey,
		channels:   channels,
		done:       make(chan struct{}),
	}
	c.run(replay)
}

// connection is one live client<->kernel bridging session.
type connection struct {
	bridge     *Bridge
	km         *kernelmanager.Manager
	kernelID   string
	conn       *websocket.Conn
	protocol   Protocol
	sessionKey string

	writeMu  sync.Mutex
	channels map[connfile.Channel]*connfile.Stream
	done     chan struct{}
}

func openChannels(km *kernelmanager.Manager) (map[connfile.Channel]*connfile.Stream, error) {
	out := map[connfile.Channel]*connfile.Stream{}
	for _, ch := range []connfile.Channel{connfile.Shell, connfile.IOPub, connfile.Stdin, connfile.Control} {
		stream, err := km.ConnectChannel(ch)
		if err != nil {
			closeChannels(out)
			return nil, err
		}
		out[ch] = stream
	}
	return out, nil
}

func closeChannels(channels map[connfile.Channel]*connfile.Stream) {
	for _, s := range channels {
		_ = s.Close()
	}
}

func waitAlive(ctx context.Context, km *kernelmanager.Manager) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	if km.IsAlive() {
		return true
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if km.IsAlive() {
				return true
			}
		}
	}
}

// run drives one connection: replay of any reclaimed offline frames, then
// fan-out goroutines from each kernel channel to the client, and an
// inbound loop from the client to the kernel. It blocks until the client
// disconnects, then hands the channels to the offline buffer if it was
// the last client.
func (c *connection) run(replay []multikernel.BufferedFrame) {
	// Buffered frames go out first, in original order, before any pump
	// starts delivering new frames.
	for _, f := range replay {
		frames, err := wire.Decode(f.Raw, c.km.Info().Key)
		if err != nil {
			log.Printf("wsbridge: %s decode buffered %s frame: %v", c.kernelID, f.Channel, err)
			continue
		}
		c.forwardToClient(string(f.Channel), frames.Msg)
	}

	var wg sync.WaitGroup
	for ch, stream := range c.channels {
		wg.Add(1)
		go func(ch connfile.Channel, stream *connfile.Stream) {
			defer wg.Done()
			c.pumpKernelToClient(ch, stream)
		}(ch, stream)
	}

	c.sendKernelInfoRequest()
	c.pumpClientToKernel()

	close(c.done)
	wg.Wait()

	c.conn.Close()
	c.bridge.mkm.NotifyDisconnect(c.kernelID)
	if c.bridge.mkm.ConnCountZero(c.kernelID) {
		c.bridge.mkm.StartBuffering(c.kernelID, c.sessionKey, c.channels)
	} else {
		closeChannels(c.channels)
	}
}

// pumpKernelToClient relays every frame arriving on one ZMQ channel to the
// WebSocket until the client disconnects. The stream stays open across
// disconnects so the offline buffer can take over the receive side.
func (c *connection) pumpKernelToClient(ch connfile.Channel, stream *connfile.Stream) {
	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-stream.Chan():
			if !ok {
				return
			}
			frames, err := wire.Decode(raw, c.km.Info().Key)
			if err != nil {
				log.Printf("wsbridge: %s decode %s frame: %v", c.kernelID, ch, err)
				continue
			}
			c.forwardToClient(string(ch), frames.Msg)
		}
	}
}

func (c *connection) forwardToClient(channel string, msg wire.Message) {
	if !c.bridge.opts.AllowTracebacks && msg.Header.MsgType == "error" {
		msg = redactTraceback(msg)
	}
	c.writeFrame(channel, msg)
}

func redactTraceback(msg wire.Message) wire.Message {
	content := map[string]interface{}{}
	if ename, ok := msg.Content["ename"]; ok {
		content["ename"] = ename
	}
	content["evalue"] = "An error occurred during execution; traceback suppressed."
	content["traceback"] = []string{}
	msg.Content = content
	return msg
}

func (c *connection) writeFrame(channel string, msg wire.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	switch c.protocol {
	case ProtocolV1:
		data, err := EncodeV1(channel, msg)
		if err != nil {
			log.Printf("wsbridge: v1 encode: %v", err)
			return
		}
		_ = c.conn.WriteMessage(websocket.BinaryMessage, data)
	default:
		data, isBinary, err := EncodeLegacy(channel, msg)
		if err != nil {
			log.Printf("wsbridge: legacy encode: %v", err)
			return
		}
		if isBinary {
			_ = c.conn.WriteMessage(websocket.BinaryMessage, data)
		} else {
			_ = c.conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

// pumpClientToKernel reads inbound WebSocket frames and forwards them to
// the matching ZMQ channel until the client disconnects.
func (c *connection) pumpClientToKernel() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var channel string
		var msg wire.Message
		if c.protocol == ProtocolV1 {
			channel, msg, err = DecodeV1(data)
		} else {
			channel, msg, err = DecodeLegacy(data, mt == websocket.BinaryMessage)
		}
		if err != nil {
			log.Printf("wsbridge: %s decode inbound frame: %v", c.kernelID, err)
			continue
		}

		if !legalChannels[channel] {
			log.Printf("wsbridge: %s dropping frame on disallowed channel %q", c.kernelID, channel)
			continue
		}
		if len(c.bridge.opts.AllowedMsgTypes) > 0 && !c.bridge.opts.AllowedMsgTypes[msg.Header.MsgType] {
			log.Printf("wsbridge: %s dropping disallowed msg_type %q", c.kernelID, msg.Header.MsgType)
			continue
		}

		stream, ok := c.channels[connfile.Channel(channel)]
		if !ok {
			continue
		}
		zmsg, err := wire.Encode(nil, msg, c.km.Info().Key)
		if err != nil {
			log.Printf("wsbridge: %s encode outbound frame: %v", c.kernelID, err)
			continue
		}
		if err := stream.Send(zmsg); err != nil {
			log.Printf("wsbridge: %s send to %s: %v", c.kernelID, channel, err)
		}
	}
}

// sendKernelInfoRequest sends a kernel_info_request on connect so clients
// can discover protocol features.
func (c *connection) sendKernelInfoRequest() {
	stream, ok := c.channels[connfile.Shell]
	if !ok {
		return
	}
	msg := wire.Message{Header: wire.NewHeader(c.sessionKey, "kernel_info_request")}
	zmsg, err := wire.Encode(nil, msg, c.km.Info().Key)
	if err != nil {
		return
	}
	if err := stream.Send(zmsg); err != nil {
		log.Printf("wsbridge: %s kernel_info_request: %v", c.kernelID, err)
	}
}

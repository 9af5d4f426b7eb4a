// Package connfile implements the connection layer: port allocation,
// connection-file persistence and reconciliation, and ZMQ socket
// construction for the five kernel channels.
package connfile

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Channel names the five logical ZMQ streams.
type Channel string

const (
	Shell   Channel = "shell"
	IOPub   Channel = "iopub"
	Stdin   Channel = "stdin"
	Control Channel = "control"
	HB      Channel = "hb"
)

// Info is the immutable-once-written connection file payload. The JSON
// tags are the file format; kernels parse these exact keys.
type Info struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
}

// reconcileKey is the set of fields compared by Reconcile; kernel_name
// is deliberately excluded.
func (i Info) reconcileKey() [9]string {
	return [9]string{
		i.Key, i.IP,
		fmt.Sprint(i.StdinPort), fmt.Sprint(i.IOPubPort), fmt.Sprint(i.ShellPort),
		fmt.Sprint(i.ControlPort), fmt.Sprint(i.HBPort),
		i.Transport, i.SignatureScheme,
	}
}

// Ports are the five assigned ports, named for AllocatePorts callers that
// don't want to unpack an Info.
type Ports struct {
	Shell, IOPub, Stdin, HB, Control int
}

// AllocatePorts binds an ephemeral TCP listener per channel with
// SO_LINGER=0, reads back the OS-assigned port, and closes the listener
// immediately so the kernel process can bind the same port moments later.
// It only allocates TCP ports; ipc paths come from NextIPCPath.
func AllocatePorts(ip string) (Ports, error) {
	var p Ports
	ports := make([]int, 5)
	for i := range ports {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return Ports{}, fmt.Errorf("connfile: allocate port: %w", err)
		}
		if tc, ok := l.(*net.TCPListener); ok {
			if raw, err := tc.SyscallConn(); err == nil {
				_ = raw.Control(func(fd uintptr) {
					_ = setLingerZero(fd)
				})
			}
		}
		ports[i] = l.Addr().(*net.TCPAddr).Port
		if err := l.Close(); err != nil {
			return Ports{}, fmt.Errorf("connfile: release port: %w", err)
		}
	}
	p.Shell, p.IOPub, p.Stdin, p.HB, p.Control = ports[0], ports[1], ports[2], ports[3], ports[4]
	return p, nil
}

// lingerDuration bounds how long Close blocks flushing queued sends, so
// shutdown can't hang on a dead peer.
const lingerDuration = time.Second

var ipcCounter int

// NextIPCPath returns the next counter-based ipc path for the given base.
func NextIPCPath(ip string) string {
	ipcCounter++
	return fmt.Sprintf("%s-%d", ip, ipcCounter)
}

// WriteConnectionFile persists info as JSON with 0600 permissions and, on
// platforms that support it, a sticky-bit parent directory.
func WriteConnectionFile(path string, info Info) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("connfile: mkdir %s: %w", dir, err)
	}
	setStickyBit(dir)

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("connfile: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("connfile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("connfile: rename into place: %w", err)
	}
	return nil
}

// LoadConnectionFile reads and parses a connection file written by
// WriteConnectionFile (or by the kernel provisioner).
func LoadConnectionFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("connfile: read %s: %w", path, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("connfile: parse %s: %w", path, err)
	}
	return info, nil
}

// Reconcile compares expected (authoritative, from the launcher) against
// whatever is on disk at path. On a mismatch over the 9 canonical keys the
// file is atomically replaced; on a match it is left untouched, since a
// fast-starting kernel may already be reading it.
func Reconcile(path string, expected Info) error {
	existing, err := LoadConnectionFile(path)
	if err == nil && existing.reconcileKey() == expected.reconcileKey() {
		return nil
	}
	return WriteConnectionFile(path, expected)
}

// OpenChannel creates the client-side ZMQ socket for channel (DEALER for
// shell/stdin/control, SUB for iopub, REQ for hb) and dials the kernel's
// endpoint. identity is accepted but not applied to any socket type;
// DEALER sockets get the identity zmq4 assigns them.
func OpenChannel(ctx context.Context, channel Channel, info Info, port int, identity string) (zmq4.Socket, error) {
	var sock zmq4.Socket
	switch channel {
	case Shell, Stdin, Control:
		sock = zmq4.NewDealer(ctx)
	case IOPub:
		sock = zmq4.NewSub(ctx)
	case HB:
		sock = zmq4.NewReq(ctx)
	default:
		return nil, fmt.Errorf("connfile: unknown channel %q", channel)
	}

	// Best-effort finite linger so Close doesn't hang at shutdown; not every
	// socket type in every zmq4 version honors this, so a failure here is
	// not treated as fatal.
	_ = sock.SetOption(zmq4.OptionLinger, lingerDuration)
	_ = identity // reserved: zmq4 assigns DEALER identities automatically today

	addr := fmt.Sprintf("%s://%s:%d", info.Transport, info.IP, port)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("connfile: dial %s (%s): %w", addr, channel, err)
	}
	if channel == IOPub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			return nil, fmt.Errorf("connfile: subscribe iopub: %w", err)
		}
	}
	return sock, nil
}

// PortFor returns the configured port for a channel, from Info.
func PortFor(channel Channel, info Info) int {
	switch channel {
	case Shell:
		return info.ShellPort
	case IOPub:
		return info.IOPubPort
	case Stdin:
		return info.StdinPort
	case Control:
		return info.ControlPort
	case HB:
		return info.HBPort
	}
	return 0
}

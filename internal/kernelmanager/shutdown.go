package kernelmanager

import (
	"fmt"
	"log"
	"os"
	"time"

	"karl/internal/connfile"
)

const (
	shutdownGrace = 10 * time.Second
	sigtermGrace  = 5 * time.Second
)

// Shutdown drives the KM through the shutdown state machine:
// Unset -> ShutdownRequest -> SigtermRequest -> SigkillRequest. now=true
// skips straight to SIGKILL. restart=true suppresses connection-file
// deletion and ZMQ context teardown so Restart can reuse them.
func (km *Manager) Shutdown(now bool, restart bool) error {
	km.mu.Lock()
	if km.shuttingDown {
		km.mu.Unlock()
		return nil
	}
	km.shuttingDown = true
	km.shutdown = stUnset
	km.mu.Unlock()

	if km.restarterStop != nil {
		km.restarterStop()
	}

	defer func() {
		km.mu.Lock()
		km.shuttingDown = false
		km.shutdown = stUnset
		km.mu.Unlock()
	}()

	if now {
		return km.forceKillAndWait(restart)
	}

	km.setShutdownState(stShutdownRequest)
	if err := km.sendControl("shutdown_request", map[string]interface{}{"restart": restart}); err != nil {
		log.Printf("kernelmanager: %s shutdown_request send failed: %v", km.ID, err)
	}
	if km.waitExit(shutdownGrace) {
		return km.cleanup(restart)
	}

	km.setShutdownState(stSigtermRequest)
	if err := km.Signal(termSignal()); err != nil && km.IsAlive() {
		log.Printf("kernelmanager: %s SIGTERM failed: %v", km.ID, err)
	}
	if km.waitExit(sigtermGrace) {
		return km.cleanup(restart)
	}

	km.setShutdownState(stSigkillRequest)
	return km.forceKillAndWait(restart)
}

func (km *Manager) forceKillAndWait(restart bool) error {
	if km.IsAlive() {
		if err := km.Signal(killSignal()); err != nil {
			log.Printf("kernelmanager: %s SIGKILL failed: %v", km.ID, err)
		}
	}
	if !km.waitExit(sigtermGrace) {
		return fmt.Errorf("kernelmanager: %s did not exit after SIGKILL", km.ID)
	}
	return km.cleanup(restart)
}

func (km *Manager) waitExit(timeout time.Duration) bool {
	if km.doneCh == nil {
		return true
	}
	select {
	case <-km.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (km *Manager) setShutdownState(s shutdownState) {
	km.mu.Lock()
	km.shutdown = s
	km.mu.Unlock()
}

// cleanup releases OS resources on a non-restart shutdown: control socket,
// connection file (if this KM wrote it), ipc files, and the ZMQ context
// (if this KM created it). Restart suppresses all of it.
func (km *Manager) cleanup(restart bool) error {
	km.mu.Lock()
	km.state = StateDead
	km.mu.Unlock()

	if restart {
		return nil
	}
	if km.control != nil {
		_ = km.control.Close()
	}
	if km.wroteConnFile {
		_ = os.Remove(km.connFilePath)
		if km.info.Transport == "ipc" {
			// ipc endpoints are filesystem paths of the form {ip}-{port}.
			for _, port := range []int{km.info.ShellPort, km.info.IOPubPort, km.info.StdinPort, km.info.ControlPort, km.info.HBPort} {
				_ = os.Remove(fmt.Sprintf("%s-%d", km.info.IP, port))
			}
		}
	}
	if km.ownsZMQCtx && km.zmqCancel != nil {
		km.zmqCancel()
	}
	return nil
}

// Restart shuts the kernel down (suppressing file/context cleanup) and
// starts a fresh subprocess under the same id, optionally with newly
// allocated ports.
func (km *Manager) Restart(now bool, newPorts bool) error {
	if err := km.Shutdown(now, true); err != nil {
		return fmt.Errorf("kernelmanager: restart shutdown phase: %w", err)
	}

	if newPorts {
		ports, err := connfile.AllocatePorts(km.info.IP)
		if err != nil {
			return fmt.Errorf("kernelmanager: restart reallocate ports: %w", err)
		}
		km.ports = ports
		km.info.ShellPort, km.info.IOPubPort, km.info.StdinPort, km.info.ControlPort, km.info.HBPort =
			ports.Shell, ports.IOPub, ports.Stdin, ports.Control, ports.HB
		if err := connfile.WriteConnectionFile(km.connFilePath, km.info); err != nil {
			return fmt.Errorf("kernelmanager: restart rewrite connection file: %w", err)
		}
	}

	km.ready = newReady()
	km.mu.Lock()
	km.state = StateStarting
	km.mu.Unlock()

	if km.control != nil {
		_ = km.control.Close()
		km.control = nil
	}

	cmd, err := km.Provisioner.Launch(km.zmqCtx, km.Spec, km.connFilePath, km.info, nil, "", nil)
	if err != nil {
		km.fail(ErrProvisionerUnavailable, err)
		return err
	}
	km.cmd = cmd
	km.doneCh = make(chan struct{})
	go func() {
		km.exitErr = cmd.Wait()
		close(km.doneCh)
	}()

	control, err := connfile.OpenChannel(km.zmqCtx, connfile.Control, km.info, km.info.ControlPort, km.ID)
	if err != nil {
		km.fail(ErrStartupFailed, err)
		return err
	}
	km.control = control
	km.mu.Lock()
	km.lastActivity = time.Now()
	km.mu.Unlock()
	km.ready.fire(nil)
	return nil
}

// ReadyFuture returns the current start/restart future.
func (km *Manager) ReadyFuture() *Ready { return km.ready }

// Wait blocks until the kernel process exits or interval elapses,
// reporting whether it exited.
func (km *Manager) Wait(interval time.Duration) bool { return km.waitExit(interval) }

// SetRestarterStop registers the cancel func the Restarter installs so
// Shutdown can stop polling before tearing the process down.
func (km *Manager) SetRestarterStop(stop func()) { km.restarterStop = stop }

package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/types"
	"golang.org/x/crypto/ssh"
)

// doWatch runs the polled watch loop of spec §4.2 until the container
// transitions to a terminal status or the reconcile goroutine's context
// is cancelled. One call owns the loop for the resource's entire active
// lifetime, per §4.1's "one continuous reconcile task" shape.
func (r *Reconciler) doWatch(ctx context.Context, c *types.Container) {
	platform, err := r.platformFor(c)
	if err != nil {
		r.logger.Error().Err(err).Str("container_id", c.ID).Msg("resolve platform for watch")
		return
	}

	ticker := time.NewTicker(r.cfg.WatchPollInterval)
	defer ticker.Stop()

	for {
		if r.watchIteration(ctx, platform, c) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchIteration runs one poll of the watch loop. It returns true when
// the loop should exit (terminal transition or cancellation).
func (r *Reconciler) watchIteration(ctx context.Context, platform backend.Platform, c *types.Container) bool {
	cd, err := c.ControllerData()
	if err != nil {
		cd = &types.ControllerData{}
	}

	// Step 1: GET the pod.
	obs, err := platform.GetPod(ctx, c.ResourceName)
	if err != nil {
		var backendErr *backend.Error
		if errors.As(err, &backendErr) && backendErr.Kind == backend.ErrNotFound {
			st, serr := c.Status()
			if serr == nil && st.Status.IsActive() {
				if cd.AwaitingSelfTeardown {
					st.Status = types.ContainerCompleted
					st.Message = "done file observed, backend teardown confirmed"
				} else {
					st.Status = types.ContainerStopped
					st.Message = "pod does not exist"
				}
				_ = c.SetStatus(st)
				_ = r.store.UpdateContainer(c)
			}
			return true
		}

		cd.ConsecutiveErrors++
		_ = c.SetControllerData(cd)
		if cd.ConsecutiveErrors >= r.cfg.ConsecutiveErrorBudget {
			_ = r.fail(c, fmt.Sprintf("watch loop exceeded error budget: %s", err))
			return true
		}
		_ = r.store.UpdateContainer(c)
		return false
	}
	if cd.ConsecutiveErrors != 0 {
		cd.ConsecutiveErrors = 0
		_ = c.SetControllerData(cd)
	}

	st, err := c.Status()
	if err != nil {
		st = &types.ContainerStatus{}
	}

	// Step 2: port mapping and cost.
	st.PublicPorts = toPublicPorts(obs.Ports)
	st.CostPerHr = obs.CostPerHr

	// Step 3: SSH reachability.
	sshOK := r.probeSSH(c)

	// Step 4: map phase + reachability to status.
	applyPhase(st, obs.Phase, sshOK, r.cfg, c)
	if st.Status == types.ContainerRunning && r.cfg.DefaultHealthCheckTimeout > 0 && c.HealthCheck != nil {
		st.Ready = r.probeHTTPHealth(ctx, c)
	}

	if st.Status == types.ContainerRunning && cd.FirstRunningAt == nil {
		now := time.Now()
		cd.FirstRunningAt = &now
		_ = c.SetControllerData(cd)
		c.StartedRunningAt = now
	}

	// Step 5: timeout enforcement.
	if timeout, ok := parseTimeout(c.Timeout); ok && st.Status == types.ContainerRunning && cd.FirstRunningAt != nil {
		if time.Since(*cd.FirstRunningAt) > timeout {
			r.deleteAndFail(ctx, platform, c, "timeout exceeded")
			return true
		}
	}

	// Step 6: done-file detection for restart=never containers. The flag
	// is persisted before DeletePod so a crash between the two still
	// leaves the next iteration able to tell this 404 apart from an
	// externally deleted pod.
	if c.Restart == types.RestartNever && st.Status == types.ContainerRunning && sshOK && r.probeDoneFile(c) {
		cd.AwaitingSelfTeardown = true
		_ = c.SetControllerData(cd)
		_ = c.SetStatus(st)
		if err := r.store.UpdateContainer(c); err != nil {
			r.logger.Error().Err(err).Str("container_id", c.ID).Msg("persist self-teardown flag")
		}
		if err := platform.DeletePod(ctx, c.ResourceName); err != nil {
			r.logger.Warn().Err(err).Str("container_id", c.ID).Msg("delete completed pod")
		}
		st.Message = "done file observed, awaiting backend teardown"
	}

	// Step 7: meter emission.
	if len(c.Meters) > 0 && st.Status == types.ContainerRunning && st.Ready && r.meter != nil {
		r.meter.Emit(ctx, c, r.cfg.WatchPollInterval)
	}

	// Step 8: persist, exit if terminal.
	_ = c.SetStatus(st)
	if err := r.store.UpdateContainer(c); err != nil {
		r.logger.Error().Err(err).Str("container_id", c.ID).Msg("persist watch iteration")
	}
	return st.Status.IsTerminal()
}

func (r *Reconciler) deleteAndFail(ctx context.Context, platform backend.Platform, c *types.Container, message string) {
	if err := platform.DeletePod(ctx, c.ResourceName); err != nil {
		r.logger.Warn().Err(err).Str("container_id", c.ID).Msg("delete pod on timeout")
	}
	_ = r.fail(c, message)
}

func toPublicPorts(ports []backend.PodPort) []types.PublicPort {
	out := make([]types.PublicPort, 0, len(ports))
	for _, p := range ports {
		out = append(out, types.PublicPort{Port: p.Port, Protocol: p.Protocol, PublicIP: p.PublicIP})
	}
	return out
}

// applyPhase implements spec §4.2 step 4's phase/reachability combination
// table.
func applyPhase(st *types.ContainerStatus, phase backend.PodPhase, sshOK bool, cfg Config, c *types.Container) {
	if terminal, ok := terminalFromPhase(phase); ok {
		st.Status = terminal
		st.Ready = false
		return
	}
	if !sshOK {
		st.Status = types.ContainerCreating
		st.Message = "SSH not yet available"
		st.Ready = false
		return
	}
	if phase == backend.PodRunning {
		st.Status = types.ContainerRunning
		st.Message = ""
		if c.HealthCheck == nil {
			st.Ready = true
		}
		return
	}
	st.Ready = false
}

func terminalFromPhase(phase backend.PodPhase) (types.ContainerStatusValue, bool) {
	switch phase {
	case backend.PodExited:
		return types.ContainerCompleted, true
	case backend.PodFailed:
		return types.ContainerFailed, true
	case backend.PodTerminated:
		return types.ContainerStopped, true
	default:
		return "", false
	}
}

func parseTimeout(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// probeSSH dials the container's reachable address on port 22 and
// attempts a handshake using the ephemeral keypair minted in the Create
// path. Grounded on the teacher's health.Checker result shape; there is
// no SSH client anywhere else in the reference pack to imitate, so this
// uses x/crypto/ssh directly (already a module dependency via
// pkg/security's key generation) rather than the unexercised stdlib-only
// net.Dial liveness check.
func (r *Reconciler) probeSSH(c *types.Container) bool {
	addr := sshAddr(c)
	if addr == "" {
		return false
	}

	secret, err := r.store.GetSecretByName(c.Namespace, c.ID+"-ssh-private")
	if err != nil {
		return false
	}
	plaintext, err := r.security.Decrypt(secret.EncryptedValue, secret.Nonce)
	if err != nil {
		return false
	}
	signer, err := ssh.ParsePrivateKey(plaintext)
	if err != nil {
		return false
	}

	user := c.ContainerUser
	if user == "" {
		user = "root"
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.SSHProbeTimeout,
	})
	if err != nil {
		return false
	}
	defer client.Close()
	return true
}

// probeDoneFile checks for the boot script's completion sentinel via SSH.
func (r *Reconciler) probeDoneFile(c *types.Container) bool {
	addr := sshAddr(c)
	if addr == "" {
		return false
	}
	secret, err := r.store.GetSecretByName(c.Namespace, c.ID+"-ssh-private")
	if err != nil {
		return false
	}
	plaintext, err := r.security.Decrypt(secret.EncryptedValue, secret.Nonce)
	if err != nil {
		return false
	}
	signer, err := ssh.ParsePrivateKey(plaintext)
	if err != nil {
		return false
	}
	user := c.ContainerUser
	if user == "" {
		user = "root"
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.SSHProbeTimeout,
	})
	if err != nil {
		return false
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()
	return session.Run("test -f /done.txt") == nil
}

func sshAddr(c *types.Container) string {
	host := c.TailnetIP
	if host == "" {
		host = c.PublicAddr
	}
	if host == "" {
		return ""
	}
	return net.JoinHostPort(host, "22")
}

// probeHTTPHealth performs the optional readiness probe of spec §4.2
// step 4, grounded on the teacher's health.Checker HTTP variant.
func (r *Reconciler) probeHTTPHealth(ctx context.Context, c *types.Container) bool {
	hc := c.HealthCheck
	if hc == nil {
		return true
	}
	host := c.TailnetIP
	if host == "" {
		host = c.PublicAddr
	}
	scheme := "http"
	if hc.Protocol == "https" {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, host, hc.Port, hc.Path)

	timeout := hc.Timeout
	if timeout == 0 {
		timeout = r.cfg.DefaultHealthCheckTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

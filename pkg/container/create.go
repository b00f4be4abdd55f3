package container

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fluxpod/fluxpod/internal/ociprobe"
	"github.com/fluxpod/fluxpod/pkg/apierr"
	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/metrics"
	"github.com/fluxpod/fluxpod/pkg/security"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/google/uuid"
)

// doCreate runs the 9-step Create path of spec §4.2. On a failure it
// sets the row to Failed with a descriptive message and returns an
// error, except a transient CreatePod error, which returns an error and
// leaves the row in Creating; on success it leaves the row in Created.
func (r *Reconciler) doCreate(ctx context.Context, c *types.Container) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerCreateDuration)

	platform, err := r.platformFor(c)
	if err != nil {
		_ = r.fail(c, err.Error())
		return err
	}

	// Step 1: mark Creating.
	if err := r.setStatus(c, types.ContainerCreating, ""); err != nil {
		return err
	}

	// Step 2: ephemeral SSH keypair, stored as secrets.
	keys, err := security.GenerateSSHKeyPair()
	if err != nil {
		_ = r.fail(c, "failed to generate ssh keypair")
		return fmt.Errorf("generate ssh keypair: %w", err)
	}
	if err := r.storeSecret(c, c.ID+"-ssh-private", keys.PrivateKeyPEM); err != nil {
		_ = r.fail(c, "failed to store ssh private key")
		return err
	}
	if err := r.storeSecret(c, c.ID+"-ssh-public", keys.PublicKeyAuth); err != nil {
		_ = r.fail(c, "failed to store ssh public key")
		return err
	}

	// Step 3: probe the image's OCI config for the default user.
	imageCfg, err := platform.PullImageConfig(ctx, c.Image)
	user := ociprobe.DefaultUser
	if err != nil {
		r.logger.Warn().Err(err).Str("image", c.Image).Msg("probe image config, falling back to root")
	} else if imageCfg.User != "" {
		user = imageCfg.User
	}
	c.ContainerUser = user

	// Step 4: resolve the accelerator preference list against inventory.
	accelerators, err := platform.ListAccelerators(ctx)
	if err != nil {
		_ = r.fail(c, "failed to list accelerators")
		return fmt.Errorf("list accelerators: %w", err)
	}
	acceleratorType, acceleratorCount, err := resolveAccelerator(c.Accelerators, accelerators)
	if err != nil {
		_ = r.fail(c, "no requested accelerator available")
		return err
	}

	// Step 5: select a datacenter with storage support.
	datacenters, err := platform.ListDatacenters(ctx, acceleratorType, acceleratorCount)
	if err != nil {
		_ = r.fail(c, "failed to list datacenters")
		return fmt.Errorf("list datacenters: %w", err)
	}
	dc, err := selectDatacenter(datacenters, r.cfg.PreferredRegions)
	if err != nil {
		_ = r.fail(c, "no datacenter available")
		return err
	}

	// Step 6: ensure a network volume for this owner in the selected dc.
	volume, err := r.ensureVolume(ctx, platform, c.Owner, dc.ID)
	if err != nil {
		_ = r.fail(c, "failed to provision volume")
		return err
	}

	// Step 7: compose environment.
	env, err := r.composeEnv(c)
	if err != nil {
		_ = r.fail(c, "failed to resolve environment")
		return err
	}

	// Step 8: compose boot command.
	bootCmd := composeBootCommand(c, r.cfg)

	// Step 9: call the backend to create the pod.
	spec := backend.PodSpec{
		Name:          c.FullName(),
		Image:         c.Image,
		Command:       bootCmd,
		Args:          c.Args,
		Env:           env,
		Ports:         portNumbers(c.Ports),
		Volume:        volume,
		AcceleratorID: acceleratorType,
		AcceleratorCt: acceleratorCount,
		AuthToken:     r.cfg.RegistryAuthToken,
	}
	handle, err := platform.CreatePod(ctx, spec)
	if err != nil {
		var backendErr *backend.Error
		if errors.As(err, &backendErr) && backendErr.Kind == backend.ErrPermanent {
			_ = r.fail(c, backendErr.Message)
			return err
		}
		// Transient: leave the row in Creating; the next scheduler tick
		// re-enters Create, which is idempotent by client-supplied name.
		return fmt.Errorf("create pod: %w", err)
	}

	c.ResourceName = handle.PodID
	c.ResourceCostPerHr = handle.CostPerHr
	if err := r.setStatus(c, types.ContainerCreated, ""); err != nil {
		return err
	}
	st, err := c.Status()
	if err == nil {
		st.Accelerator = acceleratorType
		st.CostPerHr = handle.CostPerHr
		_ = c.SetStatus(st)
	}
	metrics.ContainersCreatedTotal.Inc()
	return r.store.UpdateContainer(c)
}

func (r *Reconciler) setStatus(c *types.Container, status types.ContainerStatusValue, message string) error {
	st, err := c.Status()
	if err != nil {
		st = &types.ContainerStatus{}
	}
	st.Status = status
	st.Message = message
	if err := c.SetStatus(st); err != nil {
		return err
	}
	return r.store.UpdateContainer(c)
}

func (r *Reconciler) storeSecret(c *types.Container, name string, plaintext []byte) error {
	ciphertext, nonce, err := r.security.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", name, err)
	}
	secret := &types.Secret{
		ResourceMeta: types.ResourceMeta{
			ID:        uuid.NewString(),
			Name:      name,
			Namespace: c.Namespace,
		},
		EncryptedValue: ciphertext,
		Nonce:          nonce,
	}
	return r.store.CreateSecret(secret)
}

// resolveAccelerator picks the first preference whose accelerator type the
// backend reports as available (spec §4.2 step 4) and returns that
// preference's count. The count is not checked against the inventory.
func resolveAccelerator(prefs []string, inventory []backend.AcceleratorInfo) (string, int, error) {
	available := map[string]bool{}
	for _, a := range inventory {
		available[a.InternalName] = a.Available
	}
	for _, p := range prefs {
		parsed, err := types.ParseAcceleratorPreference(p)
		if err != nil {
			continue
		}
		if available[parsed.Type] {
			return parsed.Type, parsed.Count, nil
		}
	}
	return "", 0, apierr.New(apierr.KindBackendPermanent, "no requested accelerator available")
}

// selectDatacenter applies spec §4.2 step 5's ranking: preferred region >
// stock status descending > datacenter id ascending.
func selectDatacenter(candidates []backend.Datacenter, preferredRegions []string) (*backend.Datacenter, error) {
	var storageCapable []backend.Datacenter
	for _, dc := range candidates {
		if dc.StorageSupported {
			storageCapable = append(storageCapable, dc)
		}
	}
	if len(storageCapable) == 0 {
		return nil, apierr.New(apierr.KindBackendPermanent, "no datacenter with storage support available")
	}

	preferred := map[string]bool{}
	for _, region := range preferredRegions {
		preferred[region] = true
	}

	sort.SliceStable(storageCapable, func(i, j int) bool {
		a, b := storageCapable[i], storageCapable[j]
		if preferred[a.Location] != preferred[b.Location] {
			return preferred[a.Location]
		}
		if a.Stock != b.Stock {
			return a.Stock > b.Stock
		}
		return a.ID < b.ID
	})
	return &storageCapable[0], nil
}

func (r *Reconciler) ensureVolume(ctx context.Context, platform backend.Platform, owner, datacenter string) (*backend.VolumeHandle, error) {
	if existing, err := r.store.GetVolumeByOwnerDatacenter(owner, datacenter); err == nil {
		return &backend.VolumeHandle{ID: existing.BackendHandle}, nil
	}

	handle, err := platform.EnsureVolume(ctx, owner, datacenter, r.cfg.VolumeSizeGB)
	if err != nil {
		return nil, fmt.Errorf("ensure volume: %w", err)
	}
	vol := &types.Volume{
		ID:            uuid.NewString(),
		Owner:         owner,
		Datacenter:    datacenter,
		SizeGB:        r.cfg.VolumeSizeGB,
		BackendHandle: handle.ID,
	}
	if err := r.store.CreateVolume(vol); err != nil {
		return nil, fmt.Errorf("persist volume record: %w", err)
	}
	return handle, nil
}

// composeEnv merges built-in variables with user-supplied env, resolving
// secret references (spec §4.2 step 7).
func (r *Reconciler) composeEnv(c *types.Container) (map[string]string, error) {
	env := map[string]string{
		"FLUXPOD_OBJECT_STORE_BUCKET": r.cfg.ObjectStorageBucket,
		"FLUXPOD_OBJECT_STORE_REGION": r.cfg.ObjectStorageRegion,
		"FLUXPOD_BROKER_URL":          r.cfg.BrokerURL,
		"FLUXPOD_AUTH_SERVER_URL":     r.cfg.AuthServerURL,
		"FLUXPOD_TAILNET_AUTH_KEY":    r.cfg.TailnetAuthKey,
		"FLUXPOD_CONTAINER_ID":        c.ID,
		"FLUXPOD_CONTAINER_NAME":      c.FullName(),
	}

	if agentKey, err := r.store.GetAgentKeyByContainer(c.ID); err == nil {
		env["FLUXPOD_AGENT_KEY_SECRET"] = agentKey.SecretName
	}

	for _, e := range c.Env {
		if e.SecretName != "" {
			secret, err := r.store.GetSecretByName(c.Namespace, e.SecretName)
			if err != nil {
				return nil, fmt.Errorf("resolve secret %q for env %q: %w", e.SecretName, e.Key, err)
			}
			plaintext, err := r.security.Decrypt(secret.EncryptedValue, secret.Nonce)
			if err != nil {
				return nil, fmt.Errorf("decrypt secret %q: %w", e.SecretName, err)
			}
			env[e.Key] = string(plaintext)
			continue
		}
		env[e.Key] = e.Value
	}
	return env, nil
}

// composeBootCommand builds the shell script the pod runs (spec §4.2
// step 8): check for the tunnel agent, bring up the tunnel, sync volumes,
// run the user command, then either loop (restart=Never, writing
// /done.txt on exit) or exit (restart=Always). The script installs no
// tooling; a missing tunnel agent is only reported.
func composeBootCommand(c *types.Container, cfg Config) string {
	userCmd := c.Command
	if userCmd == "" {
		userCmd = "true"
	}

	tail := fmt.Sprintf("%s; touch /done.txt; while true; do sleep 3600; done", userCmd)
	if c.Restart == types.RestartAlways {
		tail = userCmd
	}

	return fmt.Sprintf(`#!/bin/sh
set -e
command -v tailscale >/dev/null 2>&1 || (echo "tunnel agent not found" )
tailscale up --authkey "$FLUXPOD_TAILNET_AUTH_KEY" --hostname "%s" || true
fluxpod-sync --once || true
%s
`, c.FullName(), tail)
}

func portNumbers(ports []types.PortSpec) []int {
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		out = append(out, p.Port)
	}
	return out
}

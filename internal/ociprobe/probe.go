// Package ociprobe resolves a container image's default user by fetching
// its OCI config from a registry (spec §4.2 Create path step 3). No
// registry client library appears anywhere in the reference pack, so the
// manifest/config fetch against the OCI distribution spec is hand-rolled
// over net/http; the config type itself is the real
// opencontainers/image-spec struct rather than a local redefinition.
package ociprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// DefaultUser is the fallback user when an image declares none (spec §4.2
// step 3 "fallback: root").
const DefaultUser = "root"

// Ref is a parsed `repo[:tag|@digest]` image reference.
type Ref struct {
	Registry   string
	Repository string
	Reference  string // tag or digest
}

// ParseRef splits an image string into registry/repository/reference,
// defaulting to Docker Hub and the "latest" tag the way most registry
// tooling does.
func ParseRef(image string) Ref {
	registry := "registry-1.docker.io"
	rest := image

	if slash := strings.Index(rest, "/"); slash != -1 {
		first := rest[:slash]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			registry = first
			rest = rest[slash+1:]
		}
	}

	reference := "latest"
	repo := rest
	if at := strings.LastIndex(rest, "@"); at != -1 {
		repo, reference = rest[:at], rest[at+1:]
	} else if colon := strings.LastIndex(rest, ":"); colon != -1 && !strings.Contains(rest[colon:], "/") {
		repo, reference = rest[:colon], rest[colon+1:]
	}

	return Ref{Registry: registry, Repository: repo, Reference: reference}
}

type manifest struct {
	Config struct {
		Digest string `json:"digest"`
	} `json:"config"`
}

// FetchDefaultUser retrieves image's manifest, then its config blob, and
// returns the config's declared User (empty if none).
func FetchDefaultUser(ctx context.Context, client *http.Client, authToken, image string) (string, error) {
	ref := ParseRef(image)
	base := fmt.Sprintf("https://%s/v2/%s", ref.Registry, ref.Repository)

	var mf manifest
	if err := getJSON(ctx, client, authToken, base+"/manifests/"+ref.Reference,
		"application/vnd.oci.image.manifest.v1+json, application/vnd.docker.distribution.manifest.v2+json", &mf); err != nil {
		return "", fmt.Errorf("fetch manifest: %w", err)
	}
	if mf.Config.Digest == "" {
		return DefaultUser, nil
	}

	var cfg specs.Image
	if err := getJSON(ctx, client, authToken, base+"/blobs/"+mf.Config.Digest, "application/vnd.oci.image.config.v1+json", &cfg); err != nil {
		return "", fmt.Errorf("fetch config blob: %w", err)
	}
	if cfg.Config.User == "" {
		return DefaultUser, nil
	}
	return cfg.Config.User, nil
}

func getJSON(ctx context.Context, client *http.Client, authToken, url, accept string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", accept)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

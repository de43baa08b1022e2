// SPDX-License-Identifier: MPL-2.0

package npm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

// DefaultRegistryURL is the public npm registry endpoint.
const DefaultRegistryURL = "https://registry.npmjs.org"

var (
	// ErrPackageNotFound reports a package name unknown to the registry.
	ErrPackageNotFound = errors.New("npm package not found")

	// ErrRegistryUnavailable reports a registry query that kept failing after
	// retries.
	ErrRegistryUnavailable = errors.New("npm registry unavailable")
)

type (
	// RegistryClient is the collaborator interface the resolver queries for
	// package metadata. Implementations must be safe for concurrent use.
	RegistryClient interface {
		GetPackageMetadata(ctx context.Context, name string) (*PackageMetadata, error)
	}

	// PackageMetadata is the registry document for one package name.
	PackageMetadata struct {
		Name     string                 `json:"name"`
		DistTags map[string]string      `json:"dist-tags"`
		Versions map[string]VersionInfo `json:"versions"`
	}

	// VersionInfo describes one published version.
	VersionInfo struct {
		Version              string                    `json:"version"`
		Dependencies         map[string]string         `json:"dependencies"`
		OptionalDependencies map[string]string         `json:"optionalDependencies"`
		PeerDependencies     map[string]string         `json:"peerDependencies"`
		PeerDependenciesMeta map[string]PeerDepMeta    `json:"peerDependenciesMeta"`
		Dist                 DistInfo                  `json:"dist"`
	}

	// PeerDepMeta marks a peer dependency as optional.
	PeerDepMeta struct {
		Optional bool `json:"optional"`
	}

	// DistInfo carries the tarball location and its integrity string.
	DistInfo struct {
		Tarball   string `json:"tarball"`
		Integrity string `json:"integrity"`
	}

	// HTTPRegistry fetches metadata from an npm-compatible registry over
	// HTTP, retrying transient failures with bounded exponential backoff.
	HTTPRegistry struct {
		baseURL string
		client  *http.Client
		logger  *log.Logger
	}
)

// NewHTTPRegistry creates a registry client for baseURL (DefaultRegistryURL
// when empty). A nil httpClient falls back to a client with a sane timeout.
func NewHTTPRegistry(baseURL string, httpClient *http.Client, logger *log.Logger) *HTTPRegistry {
	if baseURL == "" {
		baseURL = DefaultRegistryURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPRegistry{baseURL: baseURL, client: httpClient, logger: logger}
}

// GetPackageMetadata fetches the full registry document for name. 404 fails
// immediately as ErrPackageNotFound; 5xx and transport errors are retried.
func (r *HTTPRegistry) GetPackageMetadata(ctx context.Context, name string) (*PackageMetadata, error) {
	endpoint := r.baseURL + "/" + url.PathEscape(name)

	var meta *PackageMetadata
	permanent := false
	fail := func(err error) error {
		permanent = true
		return backoff.Permanent(err)
	}
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fail(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			r.logger.Debug("registry request failed, will retry", "package", name, "err", err)
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fail(fmt.Errorf("%w: %s", ErrPackageNotFound, name))
		case resp.StatusCode >= 500:
			r.logger.Debug("registry returned server error, will retry", "package", name, "status", resp.StatusCode)
			return fmt.Errorf("registry returned %d for %s", resp.StatusCode, name)
		case resp.StatusCode != http.StatusOK:
			return fail(fmt.Errorf("registry returned %d for %s", resp.StatusCode, name))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		var decoded PackageMetadata
		if err := json.Unmarshal(body, &decoded); err != nil {
			return fail(fmt.Errorf("malformed registry document for %s: %w", name, err))
		}
		meta = &decoded
		return nil
	}

	policy := backoff.WithContext(newRetryPolicy(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if permanent || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrRegistryUnavailable, name, err)
	}

	return meta, nil
}

// newRetryPolicy bounds registry retries so a dead registry fails in seconds,
// not minutes.
func newRetryPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 15 * time.Second
	return policy
}

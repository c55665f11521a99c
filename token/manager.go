// Package token implements the OAuth token manager (C3): per-credential
// access-token refresh with single-flight deduplication and write-back to
// the credential pool.
package token

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Laisky/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kirobridge/kirobridge/common/logger"
	"github.com/kirobridge/kirobridge/credential"
)

// safetyMargin is the minimum remaining lifetime a returned access token
// must have; tokens below this margin trigger a refresh first.
const safetyMargin = 60 * time.Second

// clockSkewAllowance is subtracted from the upstream expiresIn so a small
// amount of clock skew between us and the issuer never yields a token we
// believe is valid when it is not.
const clockSkewAllowance = 30 * time.Second

// FailureKind classifies a refresh failure for the dispatcher (§4.3).
type FailureKind int

const (
	// FailureNone means the refresh succeeded.
	FailureNone FailureKind = iota
	// FailurePermanent means the credential itself is bad (4xx, malformed
	// JSON) — retrying with the same credential will not help.
	FailurePermanent
	// FailureTransient means the upstream is temporarily unreachable
	// (5xx, connect/TLS/DNS errors) — safe to retry.
	FailureTransient
)

// RefreshError wraps an error from a refresh attempt with its classification.
type RefreshError struct {
	Kind FailureKind
	Err  error
}

func (e *RefreshError) Error() string { return e.Err.Error() }
func (e *RefreshError) Unwrap() error { return e.Err }

// Clock abstracts time.Now so tests can control expiry arithmetic.
type Clock func() time.Time

// Manager produces valid access tokens for pool credentials, refreshing at
// most once per credential id at any instant.
type Manager struct {
	pool          *credential.Pool
	region        string
	kiroVersion   string
	systemVersion string
	nodeVersion   string
	machineID     string
	httpClient    *http.Client
	clock         Clock

	group singleflight.Group

	// socialBaseURLOverride and idcBaseURLOverride replace the derived
	// https://prod.{region}.auth.desktop.kiro.dev and
	// https://oidc.{region}.amazonaws.com hosts respectively. Set only by
	// tests, to point refreshes at an httptest.Server.
	socialBaseURLOverride string
	idcBaseURLOverride    string
	usageBaseURLOverride  string
}

// NewManager constructs a token manager bound to pool. region and machineID
// are the global config fallbacks used when a credential has no override
// (for region, only on the refresh endpoints); kiroVersion applies to every
// credential. client is shared across refresh and usage-limit calls; pass one
// configured with the per-run proxy settings (nil uses http.DefaultClient).
func NewManager(pool *credential.Pool, region, kiroVersion, systemVersion, nodeVersion, machineID string, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		pool:          pool,
		region:        region,
		kiroVersion:   kiroVersion,
		systemVersion: systemVersion,
		nodeVersion:   nodeVersion,
		machineID:     machineID,
		httpClient:    client,
		clock:         time.Now,
	}
}

// SetClock overrides the manager's notion of "now", for tests.
func (m *Manager) SetClock(c Clock) { m.clock = c }

// SetUsageBaseURLOverride points GetUsageLimits at an alternate host
// (e.g. an httptest.Server) instead of the derived q.{region}.amazonaws.com
// endpoint. Used by tests outside this package.
func (m *Manager) SetUsageBaseURLOverride(base string) { m.usageBaseURLOverride = base }

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

// GetToken returns a currently-valid access token for the credential,
// refreshing if its remaining lifetime is below the safety margin. At most
// one refresh per credential id is ever in flight (I3/P2).
func (m *Manager) GetToken(ctx context.Context, c *credential.Credential) (string, error) {
	if c.AccessToken != "" && c.ExpiresAt != nil && c.ExpiresAt.Sub(m.now()) >= safetyMargin {
		return c.AccessToken, nil
	}

	key := strconv.FormatInt(c.ID, 10)
	tokenAny, err, _ := m.group.Do(key, func() (any, error) {
		return m.refreshAndStore(ctx, c)
	})
	if err != nil {
		return "", err
	}
	return tokenAny.(string), nil
}

// refreshAndStore re-reads the credential's current state from the pool
// (another caller may have already refreshed it while this one waited to
// enter the single-flight group), refreshes if still necessary, and writes
// the result back via Pool.UpdateTokens.
func (m *Manager) refreshAndStore(ctx context.Context, stale *credential.Credential) (string, error) {
	current := m.currentCopy(stale)

	if current.AccessToken != "" && current.ExpiresAt != nil && current.ExpiresAt.Sub(m.now()) >= safetyMargin {
		return current.AccessToken, nil
	}

	if err := credential.ValidateRefreshToken(current.RefreshToken); err != nil {
		return "", &RefreshError{Kind: FailurePermanent, Err: err}
	}

	result, rerr := m.dispatchRefresh(ctx, current)
	if rerr != nil {
		return "", rerr
	}

	expiresAt := m.now().Add(time.Duration(result.ExpiresIn)*time.Second - clockSkewAllowance)
	if err := m.pool.UpdateTokens(current.ID, result.AccessToken, expiresAt, result.RefreshToken, result.ProfileArn); err != nil {
		logger.Logger.Warn("failed to write refreshed token back to pool",
			zap.Int64("credentialId", current.ID), zap.Error(err))
	}

	return result.AccessToken, nil
}

// currentCopy finds the credential by id in the live pool so refreshAndStore
// observes any refresh another goroutine already completed before this one
// acquired the single-flight slot.
func (m *Manager) currentCopy(stale *credential.Credential) *credential.Credential {
	for _, c := range m.pool.List() {
		if c.ID == stale.ID {
			cc := c
			return &cc
		}
	}
	return stale
}

func (m *Manager) dispatchRefresh(ctx context.Context, c *credential.Credential) (*refreshResult, error) {
	switch c.AuthMethod.Canonical() {
	case credential.AuthMethodIdC:
		return m.refreshIdC(ctx, c)
	default:
		return m.refreshSocial(ctx, c)
	}
}

// machineIDFor resolves C4 for this credential.
func (m *Manager) machineIDFor(c *credential.Credential) string {
	return credential.MachineID(c, m.machineID)
}

// MachineIDFor exposes C4 resolution to callers outside this package (the
// dispatcher needs it to build the upstream request headers).
func (m *Manager) MachineIDFor(c *credential.Credential) string { return m.machineIDFor(c) }

// UserAgent exposes the shared KiroIDE User-Agent string to callers outside
// this package.
func (m *Manager) UserAgent(c *credential.Credential) string { return m.userAgent(c) }

// APIRegion returns the global region used for upstream API calls (frame
// requests, getUsageLimits), which never honor a credential-level region
// override (§3 EXPANDED).
func (m *Manager) APIRegion() string { return m.region }

// KiroVersion exposes the configured Kiro client version for header
// construction outside this package.
func (m *Manager) KiroVersion() string { return m.kiroVersion }

// ForceRefresh refreshes c's access token unconditionally, bypassing the
// margin check GetToken uses. The dispatcher calls this after a 401/403
// response shows the cached token is stale despite looking unexpired
// (§4.7 outcome classification, "force refresh once").
func (m *Manager) ForceRefresh(ctx context.Context, c *credential.Credential) (string, error) {
	key := strconv.FormatInt(c.ID, 10)
	tokenAny, err, _ := m.group.Do(key, func() (any, error) {
		current := m.currentCopy(c)

		if err := credential.ValidateRefreshToken(current.RefreshToken); err != nil {
			return "", &RefreshError{Kind: FailurePermanent, Err: err}
		}

		result, rerr := m.dispatchRefresh(ctx, current)
		if rerr != nil {
			return "", rerr
		}

		expiresAt := m.now().Add(time.Duration(result.ExpiresIn)*time.Second - clockSkewAllowance)
		if err := m.pool.UpdateTokens(current.ID, result.AccessToken, expiresAt, result.RefreshToken, result.ProfileArn); err != nil {
			logger.Logger.Warn("failed to write refreshed token back to pool",
				zap.Int64("credentialId", current.ID), zap.Error(err))
		}
		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return tokenAny.(string), nil
}

// regionFor resolves the auth-endpoint region: credential override, else
// the global config region (§3 EXPANDED: region overrides apply only to
// OAuth refresh endpoints, never to upstream API calls).
func (m *Manager) regionFor(c *credential.Credential) string {
	if c.Region != "" {
		return c.Region
	}
	if c.AuthRegion != "" {
		return c.AuthRegion
	}
	return m.region
}

// userAgent builds the KiroIDE-style User-Agent sent by the social refresh;
// the IdC refresh sends its own fixed User-Agent.
func (m *Manager) userAgent(c *credential.Credential) string {
	return fmt.Sprintf("KiroIDE-%s-%s", m.kiroVersion, m.machineIDFor(c))
}

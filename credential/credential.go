// Package credential implements the ordered OAuth credential pool (C2) and
// the machine-id derivation rule (C4).
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
)

// DisabledReason distinguishes why a credential is disabled, so the pool can
// tell a manual disable from an automatic one (this matters for auto-heal).
type DisabledReason string

const (
	DisabledReasonManual          DisabledReason = "manual"
	DisabledReasonTooManyFailures DisabledReason = "tooManyFailures"
	DisabledReasonQuotaExceeded   DisabledReason = "quotaExceeded"
)

// AuthMethod selects which upstream refresh protocol a credential uses.
// "idc", "iam" and "builder-id" all route to the same IdC code path.
type AuthMethod string

const (
	AuthMethodSocial     AuthMethod = "social"
	AuthMethodIdC        AuthMethod = "idc"
	AuthMethodIAM        AuthMethod = "iam"
	AuthMethodBuilderID  AuthMethod = "builder-id"
)

// Canonical returns the auth method normalized to "social" or "idc"; the
// idc/iam/builder-id aliases all collapse to "idc".
func (m AuthMethod) Canonical() AuthMethod {
	switch strings.ToLower(string(m)) {
	case string(AuthMethodIdC), string(AuthMethodIAM), string(AuthMethodBuilderID):
		return AuthMethodIdC
	case string(AuthMethodSocial):
		return AuthMethodSocial
	default:
		return AuthMethodSocial
	}
}

// Credential is one OAuth refresh-token record plus the pool's own
// bookkeeping fields (failure/success counters, disabled state).
type Credential struct {
	ID     int64 `json:"id"`
	Email  string `json:"email,omitempty"`

	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`

	AuthMethod   AuthMethod `json:"authMethod,omitempty"`
	ClientID     string     `json:"clientId,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	ProfileArn   string     `json:"profileArn,omitempty"`

	// Region overrides config.region for OAuth refresh endpoints only;
	// upstream API calls always use config.region unconditionally.
	Region     string `json:"region,omitempty"`
	AuthRegion string `json:"authRegion,omitempty"`
	APIRegion  string `json:"apiRegion,omitempty"`

	MachineID string `json:"machineId,omitempty"`

	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	Priority int `json:"priority"`

	FailureCount int64 `json:"-"`
	SuccessCount int64 `json:"-"`
	LastUsedAt   *time.Time `json:"-"`

	Disabled       bool            `json:"disabled"`
	DisabledReason DisabledReason  `json:"disabledReason,omitempty"`
}

// RefreshTokenHash returns the hex SHA-256 of the refresh token, used for
// duplicate detection and admin-surface display.
func (c *Credential) RefreshTokenHash() string {
	sum := sha256.Sum256([]byte(c.RefreshToken))
	return hex.EncodeToString(sum[:])
}

// HasProxy reports whether this credential carries its own proxy URL; a
// literal "direct" value counts as no proxy. The result is only reported
// on the admin surface: outbound requests are not sent through the proxy.
func (c *Credential) HasProxy() bool {
	return c.ProxyURL != "" && c.ProxyURL != "direct"
}

const truncationMarker = "..."
const minRefreshTokenLen = 100

// ValidateRefreshToken checks the refresh token is present, non-empty, long
// enough not to be IDE-truncated, and doesn't carry the truncation marker.
func ValidateRefreshToken(token string) error {
	if token == "" {
		return errors.New("missing refreshToken")
	}
	if len(token) < minRefreshTokenLen || strings.Contains(token, truncationMarker) {
		return errors.Errorf("refreshToken appears truncated (length %d)", len(token))
	}
	return nil
}

// byPriorityThenID sorts credentials ascending by (priority, id), the pool's
// iteration/failover order (I4).
type byPriorityThenID []*Credential

func (s byPriorityThenID) Len() int      { return len(s) }
func (s byPriorityThenID) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byPriorityThenID) Less(i, j int) bool {
	if s[i].Priority != s[j].Priority {
		return s[i].Priority < s[j].Priority
	}
	return s[i].ID < s[j].ID
}

// LoadBalancingMode selects how the pool picks among enabled credentials.
type LoadBalancingMode string

const (
	LoadBalancingPriority LoadBalancingMode = "priority"
	LoadBalancingBalanced LoadBalancingMode = "balanced"
)

// Pool is the ordered, mutable set of credentials shared by the whole
// process. Reads take a shared lock; mutations take the exclusive lock;
// persistence runs outside the lock against a cloned snapshot.
type Pool struct {
	mu         sync.RWMutex
	entries    []*Credential
	nextID     int64
	isArray    bool
	mode       LoadBalancingMode
	currentID  int64
	store      *Store
	disableThreshold int

	// onDisable/onEnable/onAutoHeal notify an external observer (the
	// monitor package) of pool state transitions. Optional; nil is a
	// no-op. Set via SetHooks after construction to avoid an import cycle
	// between credential and monitor.
	onDisable  func(id int64, reason DisabledReason)
	onEnable   func(id int64)
	onAutoHeal func(count int)
}

// Hooks are the optional observer callbacks a caller can attach via
// SetHooks.
type Hooks struct {
	OnDisable  func(id int64, reason DisabledReason)
	OnEnable   func(id int64)
	OnAutoHeal func(count int)
}

// SetHooks attaches observer callbacks (e.g. the monitor package's
// structured-logging notifiers) to the pool.
func (p *Pool) SetHooks(h Hooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisable = h.OnDisable
	p.onEnable = h.OnEnable
	p.onAutoHeal = h.OnAutoHeal
}

// NewPool builds a pool from already-loaded credentials. isArray records
// whether the source file was a JSON array (vs. a legacy single object) so
// Save() can round-trip the same shape.
func NewPool(entries []*Credential, isArray bool, disableThreshold int, store *Store) *Pool {
	if disableThreshold <= 0 {
		disableThreshold = 3
	}
	var maxID int64
	for _, c := range entries {
		if c.ID > maxID {
			maxID = c.ID
		}
	}

	p := &Pool{
		entries:          entries,
		nextID:           maxID + 1,
		isArray:          isArray,
		mode:             LoadBalancingPriority,
		store:            store,
		disableThreshold: disableThreshold,
	}
	sort.Sort(byPriorityThenID(p.entries))
	if len(p.entries) > 0 {
		p.currentID = p.entries[0].ID
	}
	return p
}

// SetMode switches between "priority" and "balanced" selection.
func (p *Pool) SetMode(mode LoadBalancingMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

// Mode returns the current load-balancing mode.
func (p *Pool) Mode() LoadBalancingMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// List returns a read-only snapshot sorted by (priority, id).
func (p *Pool) List() []Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Credential, len(p.entries))
	for i, c := range p.entries {
		out[i] = *c
	}
	return out
}

// Current returns the id of the credential that served the most recent
// request (the admin surface's "current" marker).
func (p *Pool) Current() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentID
}

func (p *Pool) find(id int64) *Credential {
	for _, c := range p.entries {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// autoHealLocked resets and re-enables every credential when the pool is
// entirely disabled and every disable is tooManyFailures. Must be called
// with the exclusive lock held.
func (p *Pool) autoHealLocked() {
	allDisabled := len(p.entries) > 0
	onlyAutoDisabled := true
	for _, c := range p.entries {
		if !c.Disabled {
			allDisabled = false
			break
		}
		if c.DisabledReason != DisabledReasonTooManyFailures {
			onlyAutoDisabled = false
		}
	}
	if allDisabled && onlyAutoDisabled {
		for _, c := range p.entries {
			c.Disabled = false
			c.DisabledReason = ""
			c.FailureCount = 0
		}
		if p.onAutoHeal != nil {
			p.onAutoHeal(len(p.entries))
		}
	}
}

// Acquire selects the next credential to use per the configured
// load-balancing mode, auto-healing the pool first if every credential was
// auto-disabled. Returns ErrNoHealthyCredential if none remain.
func (p *Pool) Acquire() (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.availableLocked()
	if len(available) == 0 {
		p.autoHealLocked()
		available = p.availableLocked()
	}
	if len(available) == 0 {
		return nil, ErrNoHealthyCredential
	}

	var chosen *Credential
	switch p.mode {
	case LoadBalancingBalanced:
		chosen = available[0]
		for _, c := range available[1:] {
			if c.SuccessCount < chosen.SuccessCount ||
				(c.SuccessCount == chosen.SuccessCount && c.Priority < chosen.Priority) {
				chosen = c
			}
		}
	default:
		// priority mode: prefer the current credential if it's still usable,
		// otherwise fall through to the highest-priority available one.
		for _, c := range available {
			if c.ID == p.currentID {
				chosen = c
				break
			}
		}
		if chosen == nil {
			chosen = available[0]
			for _, c := range available[1:] {
				if c.Priority < chosen.Priority {
					chosen = c
				}
			}
		}
	}

	p.currentID = chosen.ID
	return chosen, nil
}

func (p *Pool) availableLocked() []*Credential {
	var out []*Credential
	for _, c := range p.entries {
		if !c.Disabled && c.FailureCount < int64(p.disableThreshold) {
			out = append(out, c)
		}
	}
	return out
}

// Next selects the highest-priority available credential excluding the one
// named by excludeID, for failover. Returns ErrNoHealthyCredential when
// none remain.
func (p *Pool) Next(excludeID int64) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Credential
	for _, c := range p.availableLocked() {
		if c.ID == excludeID {
			continue
		}
		if best == nil || c.Priority < best.Priority {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoHealthyCredential
	}
	p.currentID = best.ID
	return best, nil
}

// RecordSuccess zeroes the failure counter, increments successCount, and
// stamps lastUsedAt.
func (p *Pool) RecordSuccess(id int64) {
	p.mu.Lock()
	c := p.find(id)
	if c == nil {
		p.mu.Unlock()
		return
	}
	c.FailureCount = 0
	c.SuccessCount++
	now := time.Now()
	c.LastUsedAt = &now
	p.persistLocked()
}

// RecordFailure increments the failure counter, auto-disabling the
// credential and switching the pool's current pointer when the configured
// threshold is crossed. Returns true iff a healthy credential remains.
func (p *Pool) RecordFailure(id int64) bool {
	p.mu.Lock()
	c := p.find(id)
	if c == nil {
		healthy := p.anyHealthyLocked()
		p.mu.Unlock()
		return healthy
	}
	c.FailureCount++
	now := time.Now()
	c.LastUsedAt = &now

	justDisabled := false
	if c.FailureCount >= int64(p.disableThreshold) {
		c.Disabled = true
		c.DisabledReason = DisabledReasonTooManyFailures
		justDisabled = true
		p.switchToHealthiestLocked()
	}
	healthy := p.anyHealthyLocked()
	onDisable := p.onDisable
	p.persistLocked()
	if justDisabled && onDisable != nil {
		onDisable(c.ID, DisabledReasonTooManyFailures)
	}
	return healthy
}

// RecordQuotaExhausted immediately disables the credential, bypassing the
// failure-count threshold, and marks it as not eligible for auto-heal.
func (p *Pool) RecordQuotaExhausted(id int64) bool {
	p.mu.Lock()
	c := p.find(id)
	if c == nil || c.Disabled {
		healthy := p.anyHealthyLocked()
		p.mu.Unlock()
		return healthy
	}
	c.Disabled = true
	c.DisabledReason = DisabledReasonQuotaExceeded
	c.FailureCount = int64(p.disableThreshold)
	now := time.Now()
	c.LastUsedAt = &now
	p.switchToHealthiestLocked()
	healthy := p.anyHealthyLocked()
	onDisable := p.onDisable
	p.persistLocked()
	if onDisable != nil {
		onDisable(id, DisabledReasonQuotaExceeded)
	}
	return healthy
}

func (p *Pool) anyHealthyLocked() bool {
	for _, c := range p.entries {
		if !c.Disabled {
			return true
		}
	}
	return false
}

func (p *Pool) switchToHealthiestLocked() {
	var best *Credential
	for _, c := range p.entries {
		if c.Disabled {
			continue
		}
		if best == nil || c.Priority < best.Priority {
			best = c
		}
	}
	if best != nil {
		p.currentID = best.ID
	}
}

// SetDisabled toggles a credential's disabled flag (admin API). Enabling
// resets the failure counter.
func (p *Pool) SetDisabled(id int64, disabled bool) error {
	p.mu.Lock()
	c := p.find(id)
	if c == nil {
		p.mu.Unlock()
		return errors.Errorf("credential not found: %d", id)
	}
	c.Disabled = disabled
	if disabled {
		c.DisabledReason = DisabledReasonManual
	} else {
		c.FailureCount = 0
		c.DisabledReason = ""
	}
	onDisable, onEnable := p.onDisable, p.onEnable
	p.persistLocked()
	if disabled && onDisable != nil {
		onDisable(id, DisabledReasonManual)
	} else if !disabled && onEnable != nil {
		onEnable(id)
	}
	return nil
}

// SetPriority changes a credential's priority and immediately re-selects the
// current credential per the new ordering (I4).
func (p *Pool) SetPriority(id int64, priority int) error {
	if priority < 0 {
		return errors.New("priority must be >= 0")
	}

	p.mu.Lock()
	c := p.find(id)
	if c == nil {
		p.mu.Unlock()
		return errors.Errorf("credential not found: %d", id)
	}
	c.Priority = priority
	sort.Sort(byPriorityThenID(p.entries))
	p.switchToHealthiestLocked()
	p.persistLocked()
	return nil
}

// ResetFailure zeroes the failure counter and re-enables the credential.
func (p *Pool) ResetFailure(id int64) error {
	p.mu.Lock()
	c := p.find(id)
	if c == nil {
		p.mu.Unlock()
		return errors.Errorf("credential not found: %d", id)
	}
	wasDisabled := c.Disabled
	c.FailureCount = 0
	c.Disabled = false
	c.DisabledReason = ""
	onEnable := p.onEnable
	p.persistLocked()
	if wasDisabled && onEnable != nil {
		onEnable(id)
	}
	return nil
}

// Delete removes a credential; it refuses unless the credential is
// disabled.
func (p *Pool) Delete(id int64) error {
	p.mu.Lock()
	c := p.find(id)
	if c == nil {
		p.mu.Unlock()
		return errors.Errorf("credential not found: %d", id)
	}
	if !c.Disabled {
		p.mu.Unlock()
		return errors.Errorf("credential %d must be disabled before it can be deleted", id)
	}

	wasCurrent := p.currentID == id
	filtered := p.entries[:0:0]
	for _, e := range p.entries {
		if e.ID != id {
			filtered = append(filtered, e)
		}
	}
	p.entries = filtered

	if wasCurrent {
		p.switchToHealthiestLocked()
	}
	if len(p.entries) == 0 {
		p.currentID = 0
	}
	p.persistLocked()
	return nil
}

// Add validates and inserts a new credential, rejecting duplicates by
// refreshTokenHash.
func (p *Pool) Add(c *Credential) (int64, error) {
	if err := ValidateRefreshToken(c.RefreshToken); err != nil {
		return 0, err
	}

	p.mu.Lock()
	newHash := c.RefreshTokenHash()
	for _, existing := range p.entries {
		if existing.RefreshTokenHash() == newHash {
			p.mu.Unlock()
			return 0, ErrDuplicateCredential
		}
	}

	c.ID = p.nextID
	p.nextID++
	c.FailureCount = 0
	c.SuccessCount = 0
	c.Disabled = false
	c.DisabledReason = ""
	p.entries = append(p.entries, c)
	sort.Sort(byPriorityThenID(p.entries))
	p.persistLocked()
	return c.ID, nil
}

// UpdateTokens applies a completed refresh to the stored credential. Only
// C3 calls this.
func (p *Pool) UpdateTokens(id int64, accessToken string, expiresAt time.Time, refreshToken, profileArn string) error {
	p.mu.Lock()
	c := p.find(id)
	if c == nil {
		p.mu.Unlock()
		return errors.Errorf("credential not found: %d", id)
	}
	c.AccessToken = accessToken
	if c.ExpiresAt == nil || expiresAt.After(*c.ExpiresAt) {
		c.ExpiresAt = &expiresAt
	}
	if refreshToken != "" {
		c.RefreshToken = refreshToken
	}
	if profileArn != "" {
		c.ProfileArn = profileArn
	}
	p.persistLocked()
	return nil
}

// persistLocked clones the entry slice while the exclusive lock is still
// held, releases the lock, then writes the snapshot to disk. Must be the
// last thing a mutating method does; it unlocks p.mu itself. A save is
// skipped entirely when no store is attached (e.g. in tests).
func (p *Pool) persistLocked() {
	if p.store == nil {
		p.mu.Unlock()
		return
	}
	snapshot := make([]Credential, len(p.entries))
	for i, c := range p.entries {
		snapshot[i] = *c
	}
	isArray := p.isArray
	p.mu.Unlock()

	if err := p.store.Save(snapshot, isArray); err != nil {
		logSaveError(err)
	}
}

package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"

	"github.com/kirobridge/kirobridge/credential"
)

// refreshResult is the normalized outcome of either refresh protocol.
type refreshResult struct {
	AccessToken  string
	RefreshToken string
	ProfileArn   string
	ExpiresIn    int64
}

// idcAmzUserAgent is the fixed x-amz-user-agent header the IdC refresh
// endpoint expects from the Kiro IDE client.
const idcAmzUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"

// refreshSocial performs the social-auth refresh: POST {refreshToken} to the
// per-region social endpoint.
func (m *Manager) refreshSocial(ctx context.Context, c *credential.Credential) (*refreshResult, error) {
	region := m.regionFor(c)
	host := fmt.Sprintf("prod.%s.auth.desktop.kiro.dev", region)
	refreshURL := fmt.Sprintf("https://%s/refreshToken", host)
	if m.socialBaseURLOverride != "" {
		refreshURL = m.socialBaseURLOverride + "/refreshToken"
	}

	body, err := json.Marshal(map[string]string{"refreshToken": c.RefreshToken})
	if err != nil {
		return nil, &RefreshError{Kind: FailurePermanent, Err: errors.Wrap(err, "marshal refresh body")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return nil, &RefreshError{Kind: FailurePermanent, Err: err}
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", m.userAgent(c))
	req.Header.Set("Accept-Encoding", "gzip, compress, deflate, br")
	req.Header.Set("Host", host)
	req.Header.Set("Connection", "close")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Kind: FailureTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &RefreshError{Kind: FailureTransient, Err: statusError(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RefreshError{Kind: FailurePermanent, Err: statusError(resp)}
	}

	var data struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken,omitempty"`
		ProfileArn   string `json:"profileArn,omitempty"`
		ExpiresIn    int64  `json:"expiresIn,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &RefreshError{Kind: FailurePermanent, Err: errors.Wrap(err, "decode refresh response")}
	}

	return &refreshResult{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ProfileArn:   data.ProfileArn,
		ExpiresIn:    data.ExpiresIn,
	}, nil
}

// refreshIdC performs the AWS SSO OIDC refresh used by the idc/iam/
// builder-id credential variants.
func (m *Manager) refreshIdC(ctx context.Context, c *credential.Credential) (*refreshResult, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, &RefreshError{Kind: FailurePermanent, Err: errors.New("idc refresh requires clientId and clientSecret")}
	}

	region := m.regionFor(c)
	host := fmt.Sprintf("oidc.%s.amazonaws.com", region)
	refreshURL := fmt.Sprintf("https://%s/token", host)
	if m.idcBaseURLOverride != "" {
		refreshURL = m.idcBaseURLOverride + "/token"
	}

	body, err := json.Marshal(map[string]string{
		"clientId":     c.ClientID,
		"clientSecret": c.ClientSecret,
		"refreshToken": c.RefreshToken,
		"grantType":    "refresh_token",
	})
	if err != nil {
		return nil, &RefreshError{Kind: FailurePermanent, Err: errors.Wrap(err, "marshal idc refresh body")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return nil, &RefreshError{Kind: FailurePermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Host", host)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("x-amz-user-agent", idcAmzUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "*")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("User-Agent", "node")
	req.Header.Set("Accept-Encoding", "br, gzip, deflate")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Kind: FailureTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &RefreshError{Kind: FailureTransient, Err: statusError(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RefreshError{Kind: FailurePermanent, Err: statusError(resp)}
	}

	var data struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken,omitempty"`
		ExpiresIn    int64  `json:"expiresIn,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &RefreshError{Kind: FailurePermanent, Err: errors.Wrap(err, "decode idc refresh response")}
	}

	return &refreshResult{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresIn:    data.ExpiresIn,
	}, nil
}

const usageLimitsAmzUserAgentPrefix = "aws-sdk-js/1.0.0"

// Bonus is an active or expired bonus usage allotment.
type Bonus struct {
	CurrentUsage float64 `json:"currentUsage"`
	UsageLimit   float64 `json:"usageLimit"`
	Status       string  `json:"status,omitempty"`
}

// IsActive reports whether this bonus currently applies.
func (b Bonus) IsActive() bool { return b.Status == "ACTIVE" }

// FreeTrialInfo describes an account's free-trial usage allotment.
type FreeTrialInfo struct {
	CurrentUsageWithPrecision float64  `json:"currentUsageWithPrecision"`
	UsageLimitWithPrecision   float64  `json:"usageLimitWithPrecision"`
	FreeTrialExpiry           *float64 `json:"freeTrialExpiry,omitempty"`
	FreeTrialStatus           string   `json:"freeTrialStatus,omitempty"`
}

// IsActive reports whether the free trial currently applies.
func (f FreeTrialInfo) IsActive() bool { return f.FreeTrialStatus == "ACTIVE" }

// UsageBreakdown is one entry of usageBreakdownList.
type UsageBreakdown struct {
	CurrentUsageWithPrecision float64        `json:"currentUsageWithPrecision"`
	UsageLimitWithPrecision   float64        `json:"usageLimitWithPrecision"`
	Bonuses                   []Bonus        `json:"bonuses,omitempty"`
	FreeTrialInfo             *FreeTrialInfo `json:"freeTrialInfo,omitempty"`
	NextDateReset             *float64       `json:"nextDateReset,omitempty"`
}

// SubscriptionInfo names the active subscription tier.
type SubscriptionInfo struct {
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
}

// UsageLimitsResponse is the raw getUsageLimits upstream payload.
type UsageLimitsResponse struct {
	NextDateReset      *float64           `json:"nextDateReset,omitempty"`
	SubscriptionInfo   *SubscriptionInfo  `json:"subscriptionInfo,omitempty"`
	UsageBreakdownList []UsageBreakdown   `json:"usageBreakdownList,omitempty"`
}

func (u *UsageLimitsResponse) primary() *UsageBreakdown {
	if len(u.UsageBreakdownList) == 0 {
		return nil
	}
	return &u.UsageBreakdownList[0]
}

// SubscriptionTitle returns the active subscription's display name.
func (u *UsageLimitsResponse) SubscriptionTitle() string {
	if u.SubscriptionInfo == nil {
		return ""
	}
	return u.SubscriptionInfo.SubscriptionTitle
}

// UsageLimit sums the base allotment plus any active free-trial and bonus
// allotments, exactly as the upstream source computes it.
func (u *UsageLimitsResponse) UsageLimit() float64 {
	b := u.primary()
	if b == nil {
		return 0
	}
	total := b.UsageLimitWithPrecision
	if b.FreeTrialInfo != nil && b.FreeTrialInfo.IsActive() {
		total += b.FreeTrialInfo.UsageLimitWithPrecision
	}
	for _, bonus := range b.Bonuses {
		if bonus.IsActive() {
			total += bonus.UsageLimit
		}
	}
	return total
}

// CurrentUsage sums the base usage plus any active free-trial and bonus
// usage, exactly as the upstream source computes it.
func (u *UsageLimitsResponse) CurrentUsage() float64 {
	b := u.primary()
	if b == nil {
		return 0
	}
	total := b.CurrentUsageWithPrecision
	if b.FreeTrialInfo != nil && b.FreeTrialInfo.IsActive() {
		total += b.FreeTrialInfo.CurrentUsageWithPrecision
	}
	for _, bonus := range b.Bonuses {
		if bonus.IsActive() {
			total += bonus.CurrentUsage
		}
	}
	return total
}

// FreeTrialExpiry returns the primary breakdown's free-trial expiry, if any.
func (u *UsageLimitsResponse) FreeTrialExpiry() *float64 {
	b := u.primary()
	if b == nil || b.FreeTrialInfo == nil {
		return nil
	}
	return b.FreeTrialInfo.FreeTrialExpiry
}

// GetUsageLimits queries the upstream quota endpoint using a valid access
// token for c. Unlike the refresh endpoints, this always uses the global
// apiRegion (config.region), never a credential-level region override.
func (m *Manager) GetUsageLimits(ctx context.Context, c *credential.Credential, apiRegion string) (*UsageLimitsResponse, error) {
	token, err := m.GetToken(ctx, c)
	if err != nil {
		return nil, err
	}

	host := fmt.Sprintf("q.%s.amazonaws.com", apiRegion)
	reqURL := fmt.Sprintf("https://%s/getUsageLimits?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST", host)
	if m.usageBaseURLOverride != "" {
		reqURL = m.usageBaseURLOverride + "/getUsageLimits?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST"
	}
	if c.ProfileArn != "" {
		reqURL += "&profileArn=" + url.QueryEscape(c.ProfileArn)
	}

	machineID := m.machineIDFor(c)
	userAgent := fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/darwin#24.6.0 lang/js md/nodejs#22.21.1 api/codewhispererruntime#1.0.0 m/N,E KiroIDE-%s-%s",
		m.kiroVersion, machineID)
	amzUserAgent := fmt.Sprintf("%s KiroIDE-%s-%s", usageLimitsAmzUserAgentPrefix, m.kiroVersion, machineID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-amz-user-agent", amzUserAgent)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Host", host)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Connection", "close")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "getUsageLimits request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var data UsageLimitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, errors.Wrap(err, "decode getUsageLimits response")
	}
	return &data, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errors.Errorf("upstream returned %s: %s", resp.Status, string(b))
}

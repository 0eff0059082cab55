package directorysync

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	googleTokenURL     = "https://oauth2.googleapis.com/token"
	googleDirectoryURL = "https://admin.googleapis.com/admin/directory/v1"
	googleJWTAudience  = googleTokenURL
	googleScope        = "https://www.googleapis.com/auth/admin.directory.user.readonly https://www.googleapis.com/auth/admin.directory.group.readonly"
)

// GoogleConfig holds the service-account credentials and workspace customer ID needed to authenticate against the
// Google Workspace Admin SDK via a domain-wide-delegated RS256 JWT bearer assertion.
type GoogleConfig struct {
	ServiceAccountEmail string
	ImpersonatedAdmin   string // the Workspace admin email the service account impersonates
	PrivateKeyPEM       string
	CustomerID          string

	MaxRequests       int
	PaginationSleep   time.Duration
	HTTPClient        *http.Client
}

// GoogleProvider implements Provider against the Google Workspace Admin SDK Directory API.
type GoogleProvider struct {
	cfg       GoogleConfig
	key       *rsa.PrivateKey
	client    *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewGoogleProvider constructs a GoogleProvider. The service account's private key is parsed eagerly so a malformed
// key fails fast rather than on the first Prepare call.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: parse service account key: %v", ErrInvalidProviderConfiguration, err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 50
	}
	return &GoogleProvider{cfg: cfg, key: key, client: client}, nil
}

// Prepare exchanges a freshly signed JWT bearer assertion for an access token if the cached one has expired.
func (p *GoogleProvider) Prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt) {
		return nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   p.cfg.ServiceAccountEmail,
		"sub":   p.cfg.ImpersonatedAdmin,
		"scope": googleScope,
		"aud":   googleJWTAudience,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
	if err != nil {
		return fmt.Errorf("sign JWT bearer assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("exchange JWT bearer assertion: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &RequestError{Status: resp.StatusCode, Body: truncateBody(body)}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	p.token = parsed.AccessToken
	p.expiresAt = now.Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return nil
}

func (p *GoogleProvider) authedRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	u := googleDirectoryURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory API request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{Status: resp.StatusCode, Body: truncateBody(body)}
	}
	return body, nil
}

type googleUsersPage struct {
	Users []struct {
		PrimaryEmail string `json:"primaryEmail"`
		Suspended    bool   `json:"suspended"`
	} `json:"users"`
	NextPageToken string `json:"nextPageToken"`
}

// GetAllUsers fetches every user in the Workspace customer, following nextPageToken up to MaxRequests pages.
func (p *GoogleProvider) GetAllUsers(ctx context.Context) ([]DirectoryUser, error) {
	var users []DirectoryUser
	pageToken := ""
	for i := 0; i < p.cfg.MaxRequests; i++ {
		query := url.Values{"customer": {p.cfg.CustomerID}, "maxResults": {"200"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		body, err := p.authedRequest(ctx, "/users", query)
		if err != nil {
			return nil, err
		}
		var page googleUsersPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode users page: %w", err)
		}
		for _, u := range page.Users {
			users = append(users, DirectoryUser{Email: u.PrimaryEmail, Active: !u.Suspended})
		}
		if page.NextPageToken == "" {
			return users, nil
		}
		pageToken = page.NextPageToken
		p.sleepBetweenPages(ctx)
	}
	return users, nil
}

type googleGroupsPage struct {
	Groups []struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"groups"`
	NextPageToken string `json:"nextPageToken"`
}

// GetGroups fetches every group in the Workspace customer.
func (p *GoogleProvider) GetGroups(ctx context.Context) ([]DirectoryGroup, error) {
	var groups []DirectoryGroup
	pageToken := ""
	for i := 0; i < p.cfg.MaxRequests; i++ {
		query := url.Values{"customer": {p.cfg.CustomerID}, "maxResults": {"200"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		body, err := p.authedRequest(ctx, "/groups", query)
		if err != nil {
			return nil, err
		}
		var page googleGroupsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode groups page: %w", err)
		}
		for _, g := range page.Groups {
			groups = append(groups, DirectoryGroup{ID: g.ID, Name: g.Email})
		}
		if page.NextPageToken == "" {
			return groups, nil
		}
		pageToken = page.NextPageToken
		p.sleepBetweenPages(ctx)
	}
	return groups, nil
}

type googleMembersPage struct {
	Members []struct {
		Email  string `json:"email"`
		Status string `json:"status"`
	} `json:"members"`
	NextPageToken string `json:"nextPageToken"`
}

// GetGroupMembers fetches a group's member emails. allUsersCache is accepted to satisfy Provider but unused here:
// Google's members.list endpoint already returns email addresses directly, so no secondary per-member lookup
// against the user list is needed for this provider.
func (p *GoogleProvider) GetGroupMembers(ctx context.Context, g DirectoryGroup, allUsersCache []DirectoryUser) ([]string, error) {
	var emails []string
	pageToken := ""
	for i := 0; i < p.cfg.MaxRequests; i++ {
		query := url.Values{"maxResults": {"200"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		body, err := p.authedRequest(ctx, fmt.Sprintf("/groups/%s/members", url.PathEscape(g.ID)), query)
		if err != nil {
			return nil, err
		}
		var page googleMembersPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode members page: %w", err)
		}
		for _, m := range page.Members {
			if m.Status == "ACTIVE" {
				emails = append(emails, m.Email)
			}
		}
		if page.NextPageToken == "" {
			return emails, nil
		}
		pageToken = page.NextPageToken
		p.sleepBetweenPages(ctx)
	}
	return emails, nil
}

type googleUserGroupsPage struct {
	Groups []struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"groups"`
	NextPageToken string `json:"nextPageToken"`
}

// GetUserGroups fetches every group a single user belongs to.
func (p *GoogleProvider) GetUserGroups(ctx context.Context, email string) ([]DirectoryGroup, error) {
	var groups []DirectoryGroup
	pageToken := ""
	for i := 0; i < p.cfg.MaxRequests; i++ {
		query := url.Values{"userKey": {email}, "maxResults": {"200"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		body, err := p.authedRequest(ctx, "/groups", query)
		if err != nil {
			return nil, err
		}
		var page googleUserGroupsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode user groups page: %w", err)
		}
		for _, g := range page.Groups {
			groups = append(groups, DirectoryGroup{ID: g.ID, Name: g.Email})
		}
		if page.NextPageToken == "" {
			return groups, nil
		}
		pageToken = page.NextPageToken
		p.sleepBetweenPages(ctx)
	}
	return groups, nil
}

// TestConnection verifies the provider's credentials work by fetching a single page of users.
func (p *GoogleProvider) TestConnection(ctx context.Context) error {
	if err := p.Prepare(ctx); err != nil {
		return err
	}
	_, err := p.authedRequest(ctx, "/users", url.Values{"customer": {p.cfg.CustomerID}, "maxResults": {"1"}})
	return err
}

func (p *GoogleProvider) sleepBetweenPages(ctx context.Context) {
	if p.cfg.PaginationSleep <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PaginationSleep):
	}
}

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"subuser_broker/internal/models"
	"subuser_broker/internal/utils"
)

const (
	DefaultLoginPath  = "/api/user/me"
	DefaultServerPath = "/api/servers/%s"
	DefaultTimeout    = 10 * time.Second

	// Cookie names the upstream expects on login.
	SessionCookie = "slgSession"
	UserCookie    = "slgUser"

	maxBodyBytes = 1 << 20
)

var (
	// ErrInvalidCredentials is returned when upstream rejects the presented
	// session.
	ErrInvalidCredentials = errors.New("upstream rejected credentials")

	// ErrUpstream is returned for transport failures and statuses that do not
	// give a clear answer.
	ErrUpstream = errors.New("upstream request failed")
)

// Config holds upstream API settings
type Config struct {
	BaseURL    string
	LoginPath  string
	ServerPath string // must contain one %s for the server id
	Timeout    time.Duration
}

// Credentials are the upstream session values a user presents to get a key.
type Credentials struct {
	Token   string // Authorization header value
	Session string // slgSession cookie
	User    string // slgUser cookie
}

// Client talks to the upstream platform's login and server endpoints.
type Client struct {
	cfg    Config
	client *http.Client
	logger *utils.Logger
}

// NewClient creates a new upstream client
func NewClient(cfg Config, logger *utils.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.ServerPath == "" {
		cfg.ServerPath = DefaultServerPath
	}
	if strings.Count(cfg.ServerPath, "%s") != 1 {
		return nil, fmt.Errorf("upstream server path %q must contain exactly one %%s", cfg.ServerPath)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{cfg: cfg, client: client, logger: logger}, nil
}

type meResponse struct {
	UnderscoreID string `json:"_id"`
	ID           string `json:"id"`
}

// Login asks upstream who owns the presented session and returns that
// identity.
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	url := c.cfg.BaseURL + c.cfg.LoginPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", creds.Token)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: creds.Session})
	req.AddCookie(&http.Cookie{Name: UserCookie, Value: creds.User})

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: login: status=%d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Debug("Upstream rejected login", "status", resp.StatusCode)
		return "", ErrInvalidCredentials
	}

	var me meResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&me); err != nil {
		return "", fmt.Errorf("%w: login: failed to decode response: %v", ErrUpstream, err)
	}

	identity := me.UnderscoreID
	if identity == "" {
		identity = me.ID
	}
	if !models.IsValidID(identity) {
		return "", fmt.Errorf("%w: login: malformed identity %q", ErrUpstream, identity)
	}

	return identity, nil
}

// ServerExists reports whether upstream knows serverID, asking with the
// acting account's authorization token.
func (c *Client) ServerExists(ctx context.Context, serverID, authToken string) (bool, error) {
	url := c.cfg.BaseURL + fmt.Sprintf(c.cfg.ServerPath, serverID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: server lookup: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: server lookup: status=%d", ErrUpstream, resp.StatusCode)
	}
}

// Close cleans up resources
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

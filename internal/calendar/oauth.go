package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// OAuthConfig holds Google Calendar OAuth configuration
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// DefaultOAuthConfig returns config from environment. The ghost needs
// full calendar access because it creates its own calendar.
func DefaultOAuthConfig() OAuthConfig {
	return OAuthConfig{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectURL:  "http://localhost:7465/callback",
		Scopes: []string{
			gcal.CalendarScope,
			gcal.CalendarEventsScope,
		},
	}
}

// IsConfigured checks whether OAuth credentials are present.
func IsConfigured() bool {
	return os.Getenv("GOOGLE_CLIENT_ID") != "" && os.Getenv("GOOGLE_CLIENT_SECRET") != ""
}

// OAuthClient handles OAuth2 authentication for Google Calendar
type OAuthClient struct {
	config *oauth2.Config
}

// NewOAuthClient creates a new OAuth client
func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	return &OAuthClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     google.Endpoint,
		},
	}
}

// AuthURL returns the URL for user authorization
func (c *OAuthClient) AuthURL(state string) string {
	return c.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode exchanges the authorization code for tokens
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return c.config.Exchange(ctx, code)
}

// RefreshToken refreshes an expired token
func (c *OAuthClient) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	return c.config.TokenSource(ctx, token).Token()
}

// CreateService creates a Calendar API service from a token
func (c *OAuthClient) CreateService(ctx context.Context, token *oauth2.Token) (*gcal.Service, error) {
	client := c.config.Client(ctx, token)
	return gcal.NewService(ctx, option.WithHTTPClient(client))
}

// StartFlow performs the complete OAuth flow with a local callback
func (c *OAuthClient) StartFlow(ctx context.Context) (*oauth2.Token, error) {
	state := fmt.Sprintf("ghostcoach-%d", time.Now().UnixNano())

	server := newLocalAuthServer(7465)
	if err := server.start(); err != nil {
		return nil, fmt.Errorf("start auth server: %w", err)
	}
	defer server.stop(ctx)

	authURL := c.AuthURL(state)
	fmt.Printf("\nOpen this URL in your browser to connect your calendar:\n\n%s\n\n", authURL)
	fmt.Println("Waiting for authorization...")

	code, err := server.waitForCode(5 * time.Minute)
	if err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}

	token, err := c.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	return token, nil
}

// localAuthServer handles the OAuth callback locally
type localAuthServer struct {
	server   *http.Server
	port     int
	codeChan chan string
	errChan  chan error
}

func newLocalAuthServer(port int) *localAuthServer {
	return &localAuthServer{
		port:     port,
		codeChan: make(chan string, 1),
		errChan:  make(chan error, 1),
	}
}

func (s *localAuthServer) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.errChan <- err
		}
	}()

	// Give the listener a moment to bind
	time.Sleep(100 * time.Millisecond)
	return nil
}

func (s *localAuthServer) waitForCode(timeout time.Duration) (string, error) {
	select {
	case code := <-s.codeChan:
		return code, nil
	case err := <-s.errChan:
		return "", err
	case <-time.After(timeout):
		return "", fmt.Errorf("no callback received within %v", timeout)
	}
}

func (s *localAuthServer) stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *localAuthServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		errMsg := r.URL.Query().Get("error")
		if errMsg == "" {
			errMsg = "unknown error"
		}
		s.errChan <- fmt.Errorf("oauth error: %s", errMsg)
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	s.codeChan <- code

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `
		<!DOCTYPE html>
		<html>
		<head><title>Ghost Coach - Calendar Connected</title></head>
		<body style="font-family: system-ui; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #10121a; color: #e8e8f0;">
			<div style="text-align: center;">
				<h1>Calendar connected</h1>
				<p>The ghost can see your schedule now.</p>
				<p style="opacity: 0.6;">You can close this window and return to the terminal.</p>
			</div>
		</body>
		</html>
	`)
}

// SaveToken persists a token to disk with owner-only permissions.
func SaveToken(path string, token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken reads a previously saved token.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &token, nil
}

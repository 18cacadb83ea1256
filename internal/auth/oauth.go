// Package auth implements the Google OAuth flow used to enrol accounts,
// project discovery and onboarding against the Cloud Code API, and
// read-only access to a local Antigravity install's credential database.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// RefreshParts is the decomposed form of a stored refresh credential:
// "refreshToken|projectId|managedProjectId", later segments optional.
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite refresh credential. Plain refresh
// tokens parse as a bare first segment.
func ParseRefreshParts(composite string) RefreshParts {
	parts := strings.Split(composite, "|")
	result := RefreshParts{RefreshToken: parts[0]}
	if len(parts) > 1 && parts[1] != "" {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// FormatRefreshParts joins the components back into the composite form.
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

func oauthConfig(redirectURI string) *oauth2.Config {
	if redirectURI == "" {
		redirectURI = config.OAuthRedirectURI()
	}
	return &oauth2.Config{
		ClientID:     config.OAuth.ClientID,
		ClientSecret: config.OAuth.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       config.OAuth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  config.OAuth.AuthURL,
			TokenURL: config.OAuth.TokenURL,
		},
	}
}

// Flow holds the per-attempt state of an authorization request.
type Flow struct {
	URL      string
	Verifier string
	State    string
}

// NewFlow builds a consent URL with a fresh PKCE verifier and CSRF state.
// The redirect URI must match the callback server actually listening.
func NewFlow(redirectURI string) (*Flow, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)

	verifier := oauth2.GenerateVerifier()
	authURL := oauthConfig(redirectURI).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)

	return &Flow{URL: authURL, Verifier: verifier, State: state}, nil
}

// CodeResult is an authorization code extracted from user input.
type CodeResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either a pasted callback URL or a raw
// authorization code. Used by the manual (no-browser) enrolment path.
func ExtractCodeFromInput(input string) (*CodeResult, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, errors.New("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, errors.New("invalid callback URL")
		}
		query := parsed.Query()
		if errParam := query.Get("error"); errParam != "" {
			return nil, fmt.Errorf("oauth error: %s", errParam)
		}
		code := query.Get("code")
		if code == "" {
			return nil, errors.New("no authorization code in URL")
		}
		return &CodeResult{Code: code, State: query.Get("state")}, nil
	}

	// Google codes start with "4/" and are long; anything short is a
	// paste accident.
	if len(trimmed) < 10 {
		return nil, errors.New("input too short to be an authorization code")
	}
	return &CodeResult{Code: trimmed}, nil
}

// CallbackServer receives the browser redirect carrying the auth code.
// Listen binds a port first so the consent URL can reference the port
// actually in use.
type CallbackServer struct {
	expectedState string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	port     int
	stopped  bool

	codeCh chan string
	errCh  chan error
}

// NewCallbackServer creates a callback server expecting the given CSRF
// state.
func NewCallbackServer(expectedState string) *CallbackServer {
	cs := &CallbackServer{
		expectedState: expectedState,
		port:          config.OAuth.CallbackPort,
		codeCh:        make(chan string, 1),
		errCh:         make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", cs.handleCallback)
	cs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return cs
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		writeCallbackPage(w, http.StatusBadRequest, "Sign-in failed", "Google returned: "+errParam)
		cs.errCh <- fmt.Errorf("oauth error: %s", errParam)
		return
	}
	if query.Get("state") != cs.expectedState {
		writeCallbackPage(w, http.StatusBadRequest, "Sign-in failed", "State mismatch; restart the sign-in.")
		cs.errCh <- errors.New("oauth state mismatch")
		return
	}
	code := query.Get("code")
	if code == "" {
		writeCallbackPage(w, http.StatusBadRequest, "Sign-in failed", "No authorization code received.")
		cs.errCh <- errors.New("no authorization code in callback")
		return
	}

	writeCallbackPage(w, http.StatusOK, "Signed in", "You can close this window and return to the terminal.")
	cs.codeCh <- code
}

func writeCallbackPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html><head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p></body></html>`, title, title, detail)
}

// Listen binds the configured callback port, walking the fallback list
// when it is taken.
func (cs *CallbackServer) Listen() error {
	ports := append([]int{config.OAuth.CallbackPort}, config.OAuth.CallbackFallbackPorts...)

	var lastErr error
	for _, port := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			utils.Debug("[OAuth] Port %d unavailable: %v", port, err)
			continue
		}

		cs.mu.Lock()
		cs.listener = listener
		cs.port = port
		cs.mu.Unlock()

		if port != config.OAuth.CallbackPort {
			utils.Warn("[OAuth] Primary port %d unavailable, using fallback port %d", config.OAuth.CallbackPort, port)
		} else {
			utils.Info("[OAuth] Callback server listening on port %d", port)
		}
		return nil
	}
	return fmt.Errorf("no callback port available: %w", lastErr)
}

// Port returns the bound callback port.
func (cs *CallbackServer) Port() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.port
}

// RedirectURI returns the callback URL for the bound port.
func (cs *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", cs.Port())
}

// Wait serves the bound listener until a code arrives, the flow fails, or
// ctx is done. Listen must have succeeded first.
func (cs *CallbackServer) Wait(ctx context.Context) (string, error) {
	cs.mu.Lock()
	listener := cs.listener
	cs.mu.Unlock()
	if listener == nil {
		return "", errors.New("callback server not listening")
	}

	go func() {
		if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			cs.errCh <- err
		}
	}()
	defer cs.shutdown()

	select {
	case code := <-cs.codeCh:
		return code, nil
	case err := <-cs.errCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Abort stops the server early, for when the user completes the flow by
// pasting the code instead.
func (cs *CallbackServer) Abort() {
	cs.shutdown()
}

func (cs *CallbackServer) shutdown() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.stopped {
		return
	}
	cs.stopped = true
	if cs.server != nil {
		cs.server.Shutdown(context.Background())
	}
}

// ExchangeCode trades an authorization code for tokens. The redirect URI
// must be the one the code was issued against.
func ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*oauth2.Token, error) {
	token, err := oauthConfig(redirectURI).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("no access token in exchange response")
	}
	if token.RefreshToken == "" {
		return nil, errors.New("no refresh token granted; revoke the app's access and sign in again")
	}
	return token, nil
}

// RefreshResult carries a refreshed access token and its upstream expiry.
type RefreshResult struct {
	AccessToken string
	Expiry      time.Time
}

// RefreshAccessToken exchanges a stored refresh credential for a fresh
// access token. Accepts the composite "token|project|managedProject"
// form. An invalid_grant from Google surfaces in the error text so
// callers can tell revocation apart from transient failures.
func RefreshAccessToken(ctx context.Context, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)
	if parts.RefreshToken == "" {
		return nil, errors.New("token refresh failed: empty refresh token")
	}

	source := oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: parts.RefreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("token refresh failed: %s", strings.TrimSpace(string(retrieveErr.Body)))
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return &RefreshResult{AccessToken: token.AccessToken, Expiry: token.Expiry}, nil
}

// FetchUserEmail resolves the account email behind an access token.
func FetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuth.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("parse userinfo: %w", err)
	}
	if info.Email == "" {
		return "", errors.New("userinfo response has no email")
	}
	return info.Email, nil
}

// FlowResult is a fully enrolled account: identity plus credentials plus
// whatever project discovery found.
type FlowResult struct {
	Email            string
	RefreshToken     string
	AccessToken      string
	Expiry           time.Time
	ProjectID        string
	ManagedProjectID string
	Tier             string
}

// CompleteFlow exchanges the code, resolves the email and discovers the
// project for the new account. Discovery failures are non-fatal; dispatch
// falls back to the shared default project.
func CompleteFlow(ctx context.Context, code, verifier, redirectURI string) (*FlowResult, error) {
	token, err := ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		return nil, err
	}

	email, err := FetchUserEmail(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch user email: %w", err)
	}

	result := &FlowResult{
		Email:        email,
		RefreshToken: token.RefreshToken,
		AccessToken:  token.AccessToken,
		Expiry:       token.Expiry,
	}

	project, err := DiscoverProject(ctx, token.AccessToken)
	if err != nil {
		utils.Warn("[OAuth] Project discovery failed for %s: %v", utils.MaskEmail(email), err)
		return result, nil
	}
	result.ProjectID = project.ProjectID
	result.ManagedProjectID = project.ManagedProjectID
	result.Tier = project.Tier

	return result, nil
}

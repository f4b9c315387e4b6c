// Package auth handles user registration, login and access token caching
// against the TabPFN service.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PentesterFlow/tabpfn-client/internal/errors"
	"github.com/PentesterFlow/tabpfn-client/internal/logger"
	"github.com/PentesterFlow/tabpfn-client/internal/state"
	"github.com/PentesterFlow/tabpfn-client/internal/transport"
	"github.com/PentesterFlow/tabpfn-client/pkg/registry"
)

// Authenticator drives the account endpoints and keeps the session and the
// token cache in sync.
type Authenticator struct {
	tr      *transport.Client
	store   state.Store
	session *Session
	log     *logger.Logger
}

// New creates an Authenticator. The session becomes the token source of tr.
func New(tr *transport.Client, store state.Store, session *Session, log *logger.Logger) *Authenticator {
	if session == nil {
		session = NewSession("")
	}
	if log == nil {
		log = logger.Nop()
	}
	tr.SetTokenSource(session)
	return &Authenticator{
		tr:      tr,
		store:   store,
		session: session,
		log:     log.WithComponent("auth"),
	}
}

// Session returns the session holding the access token.
func (a *Authenticator) Session() *Session {
	return a.session
}

// IsAccessible reports whether the server answers on its root endpoint.
func (a *Authenticator) IsAccessible(ctx context.Context) bool {
	resp, err := a.tr.Do(ctx, transport.Request{Endpoint: registry.EndpointRoot})
	if err != nil {
		a.log.WithError(err).Debug("server not accessible")
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// TokenStatus is the outcome of checking an access token.
type TokenStatus int

// Token states.
const (
	// TokenMissing means no token is set or cached.
	TokenMissing TokenStatus = iota
	// TokenValid means the server accepted the token.
	TokenValid
	// TokenUnverified means the account exists but its email is not
	// verified yet. The token is kept so verification can use it.
	TokenUnverified
	// TokenInvalid means the token expired or was rejected.
	TokenInvalid
)

func (s TokenStatus) String() string {
	switch s {
	case TokenMissing:
		return "missing"
	case TokenValid:
		return "valid"
	case TokenUnverified:
		return "unverified"
	case TokenInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// TryAuthenticate checks token against the protected root. A 403 answer
// means the email is not verified, a 401 that the token is invalid. Other
// failures are returned as errors.
func (a *Authenticator) TryAuthenticate(ctx context.Context, token string) (TokenStatus, error) {
	if token == "" {
		return TokenMissing, nil
	}
	resp, err := a.tr.Do(ctx, transport.Request{
		Endpoint: registry.EndpointProtectedRoot,
		Token:    token,
	})
	switch {
	case err == nil && resp.StatusCode == http.StatusOK:
		return TokenValid, nil
	case err == nil:
		return TokenInvalid, nil
	case errors.GetStatusCode(err) == http.StatusForbidden:
		return TokenUnverified, nil
	case errors.IsAuthError(err):
		return TokenInvalid, nil
	default:
		return TokenMissing, err
	}
}

// TryReuseExistingToken checks the session token, or the cached one when the
// session is empty. A valid or unverified token becomes the session token; an
// expired or invalid one is removed from the session and the cache. Tokens
// whose JWT exp claim has passed are dropped without asking the server.
func (a *Authenticator) TryReuseExistingToken(ctx context.Context) (TokenStatus, error) {
	token := a.session.Token()
	if token == "" {
		cached, err := a.store.LoadToken()
		if err != nil {
			return TokenMissing, fmt.Errorf("failed to load cached token: %w", err)
		}
		token = cached
	}
	if token == "" {
		return TokenMissing, nil
	}

	a.session.SetToken(token)
	if a.session.Expired() {
		a.log.WithField("expired_at", a.session.Expiry()).Info("cached access token expired")
		if err := a.resetToken(); err != nil {
			return TokenMissing, err
		}
		return TokenInvalid, nil
	}

	status, err := a.TryAuthenticate(ctx, token)
	if err != nil {
		return status, err
	}

	switch status {
	case TokenValid:
		a.log.Debug("reusing existing access token")
	case TokenUnverified:
		a.log.Info("access token belongs to an unverified account")
	default:
		a.log.Info("cached access token rejected")
		if err := a.resetToken(); err != nil {
			return status, err
		}
		return status, nil
	}
	return status, a.SetToken(token)
}

// SetToken makes token the session token and caches it.
func (a *Authenticator) SetToken(token string) error {
	a.session.SetToken(token)
	if err := a.store.SaveToken(token); err != nil {
		return fmt.Errorf("failed to cache token: %w", err)
	}
	return nil
}

// Login exchanges credentials for an access token and stores it.
func (a *Authenticator) Login(ctx context.Context, email, password string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	resp, err := a.tr.DoJSON(ctx, transport.Request{
		Endpoint: registry.EndpointLogin,
		Form:     url.Values{"username": {email}, "password": {password}},
	}, &out)
	if err != nil {
		if resp != nil && !resp.OK() {
			loginErr := errors.NewAuthError(registry.EndpointLogin, resp.StatusCode,
				"failed to login, please check your email and password")
			loginErr.Detail = resp.Detail()
			return "", loginErr
		}
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.NewParseError(registry.EndpointLogin, "login", fmt.Errorf("response has no access_token"))
	}

	if err := a.SetToken(out.AccessToken); err != nil {
		return "", err
	}
	a.log.Info("logged in")
	return out.AccessToken, nil
}

// Register creates an account and logs in. extra carries additional
// registration fields such as company or use case. It returns the server's
// confirmation message.
func (a *Authenticator) Register(ctx context.Context, email, password, passwordConfirm string, extra map[string]string) (string, error) {
	if password != passwordConfirm {
		return "", errors.NewUserInputError("register", "password and password confirmation must be the same")
	}

	query := url.Values{
		"email":            {email},
		"password":         {password},
		"password_confirm": {passwordConfirm},
	}
	for k, v := range extra {
		query.Set(k, v)
	}

	var out struct {
		Message string `json:"message"`
	}
	resp, err := a.tr.DoJSON(ctx, transport.Request{
		Endpoint: registry.EndpointRegister,
		Query:    query,
	}, &out)
	if err != nil {
		if resp != nil && !resp.OK() {
			return resp.Detail(), fmt.Errorf("failed to register user: %w", err)
		}
		return "", err
	}

	a.saveProgress(email, state.StepVerification)

	if _, err := a.Login(ctx, email, password); err != nil {
		return out.Message, err
	}
	return out.Message, nil
}

// PasswordPolicy fetches the password rules for new accounts.
func (a *Authenticator) PasswordPolicy(ctx context.Context) (*PasswordPolicy, error) {
	var out struct {
		Requirements []string `json:"requirements"`
	}
	if _, err := a.tr.DoJSON(ctx, transport.Request{Endpoint: registry.EndpointPasswordPolicy}, &out); err != nil {
		return nil, fmt.Errorf("failed to get password policy: %w", err)
	}
	return ParsePasswordPolicy(out.Requirements)
}

// ValidateEmail asks the server whether email can be used for a new account.
// A rejected address is reported as (false, reason, nil).
func (a *Authenticator) ValidateEmail(ctx context.Context, email string) (bool, string, error) {
	resp, err := a.tr.Do(ctx, transport.Request{
		Endpoint: registry.EndpointValidateEmail,
		Query:    url.Values{"email": {email}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			a.saveProgress(email, state.StepEmailValidation)
			return false, resp.Detail(), nil
		}
		return false, "", err
	}

	a.saveProgress(email, state.StepPassword)
	return true, message(resp), nil
}

// SendVerificationEmail (re)sends the account verification email.
func (a *Authenticator) SendVerificationEmail(ctx context.Context) (string, error) {
	resp, err := a.tr.Do(ctx, transport.Request{
		Endpoint: registry.EndpointSendVerificationEmail,
		Auth:     true,
	})
	if err != nil {
		return "", err
	}
	return message(resp), nil
}

// VerifyEmail submits the verification token from the email and completes
// any registration in progress.
func (a *Authenticator) VerifyEmail(ctx context.Context, token string) (string, error) {
	resp, err := a.tr.Do(ctx, transport.Request{
		Endpoint: registry.EndpointVerifyEmail,
		Query:    url.Values{"token": {token}},
		Auth:     true,
	})
	if err != nil {
		return "", err
	}
	if err := a.store.ClearRegistration(); err != nil {
		a.log.WithError(err).Warn("failed to clear registration state")
	}
	return message(resp), nil
}

// SendResetPasswordEmail sends a password reset link to email.
func (a *Authenticator) SendResetPasswordEmail(ctx context.Context, email string) (string, error) {
	resp, err := a.tr.Do(ctx, transport.Request{
		Endpoint: registry.EndpointSendResetPasswordEmail,
		Query:    url.Values{"email": {email}},
	})
	if err != nil {
		return "", err
	}
	return message(resp), nil
}

// RetrieveGreetingMessages returns messages the service wants shown to the user.
func (a *Authenticator) RetrieveGreetingMessages(ctx context.Context) ([]string, error) {
	var out struct {
		Messages []string `json:"messages"`
	}
	if _, err := a.tr.DoJSON(ctx, transport.Request{
		Endpoint: registry.EndpointRetrieveGreetingMessages,
		Auth:     true,
	}, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Progress returns the registration in progress, or nil.
func (a *Authenticator) Progress() (*state.Registration, error) {
	return a.store.LoadRegistration()
}

// Reset forgets the access token and any registration in progress.
func (a *Authenticator) Reset() error {
	if err := a.resetToken(); err != nil {
		return err
	}
	return a.store.ClearRegistration()
}

func (a *Authenticator) resetToken() error {
	a.session.Clear()
	if err := a.store.DeleteToken(); err != nil {
		return fmt.Errorf("failed to delete cached token: %w", err)
	}
	return nil
}

func (a *Authenticator) saveProgress(email, step string) {
	reg := state.Registration{Email: email, Step: step, SavedAt: time.Now().UTC()}
	if err := a.store.SaveRegistration(reg); err != nil {
		a.log.WithError(err).Warn("failed to save registration state")
	}
}

// message extracts the "message" field of a response, falling back to the raw body.
func message(resp *transport.Response) string {
	var out struct {
		Message string `json:"message"`
	}
	if err := resp.Decode(&out); err == nil && out.Message != "" {
		return out.Message
	}
	return strings.TrimSpace(string(resp.Body))
}

package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PentesterFlow/tabpfn-client/internal/errors"
	"github.com/PentesterFlow/tabpfn-client/internal/state"
	"github.com/PentesterFlow/tabpfn-client/internal/transport"
	"github.com/PentesterFlow/tabpfn-client/pkg/registry"
)

const (
	validToken      = "valid-token"
	unverifiedToken = "unverified-token"
)

// newFakeService serves the account endpoints of the testing registry.
func newFakeService(t *testing.T) *http.ServeMux {
	t.Helper()

	reg, err := registry.MustDefault().Environment("testing")
	require.NoError(t, err)
	path := func(name string) string {
		ep, err := reg.Lookup(name)
		require.NoError(t, err)
		return ep.Path
	}
	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer "+validToken
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path(registry.EndpointRoot), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"Hello"}`)
	})
	mux.HandleFunc(path(registry.EndpointProtectedRoot), func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer "+unverifiedToken {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"detail":"Email not verified"}`)
			return
		}
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"Could not validate credentials"}`)
			return
		}
		fmt.Fprint(w, `{"message":"Hello, user"}`)
	})
	mux.HandleFunc(path(registry.EndpointLogin), func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("username") != "user@example.com" || r.PostForm.Get("password") != "Secret123!" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"Incorrect username or password"}`)
			return
		}
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer"}`, validToken)
	})
	mux.HandleFunc(path(registry.EndpointRegister), func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("email") == "taken@example.com" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"detail":"User already exists"}`)
			return
		}
		if q.Get("company") != "Acme" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"detail":[{"msg":"company required"}]}`)
			return
		}
		fmt.Fprint(w, `{"message":"User created"}`)
	})
	mux.HandleFunc(path(registry.EndpointPasswordPolicy), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"requirements":["Length(8)","Uppercase(1)","Numbers(1)","Special(1)"]}`)
	})
	mux.HandleFunc(path(registry.EndpointValidateEmail), func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") == "taken@example.com" {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"detail":"Email already registered"}`)
			return
		}
		fmt.Fprint(w, `{"message":"Email is valid"}`)
	})
	mux.HandleFunc(path(registry.EndpointSendVerificationEmail), func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"message":"Verification email sent"}`)
	})
	mux.HandleFunc(path(registry.EndpointVerifyEmail), func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "123456" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"detail":"Invalid verification token"}`)
			return
		}
		fmt.Fprint(w, `{"message":"Email verified"}`)
	})
	mux.HandleFunc(path(registry.EndpointSendResetPasswordEmail), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"message":"Reset email sent to %s"}`, r.URL.Query().Get("email"))
	})
	mux.HandleFunc(path(registry.EndpointRetrieveGreetingMessages), func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"messages":["Welcome back!"]}`)
	})
	return mux
}

func newTestAuthenticator(t *testing.T, handler http.Handler) (*Authenticator, state.Store) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := registry.MustDefault().Environment("testing")
	require.NoError(t, err)
	conn, err := registry.ParseBaseURL(srv.URL)
	require.NoError(t, err)
	reg, err = reg.WithConnection(conn)
	require.NoError(t, err)

	cfg := transport.DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Retry.InitialDelay = time.Millisecond
	tr := transport.New(reg, cfg)
	t.Cleanup(tr.Close)

	store := state.NewMemoryStore()
	return New(tr, store, nil, nil), store
}

func TestIsAccessible(t *testing.T) {
	a, _ := newTestAuthenticator(t, newFakeService(t))
	assert.True(t, a.IsAccessible(context.Background()))

	down, _ := newTestAuthenticator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	assert.False(t, down.IsAccessible(context.Background()))
}

func TestLogin(t *testing.T) {
	a, store := newTestAuthenticator(t, newFakeService(t))
	ctx := context.Background()

	token, err := a.Login(ctx, "user@example.com", "Secret123!")
	require.NoError(t, err)
	assert.Equal(t, validToken, token)
	assert.Equal(t, validToken, a.Session().Token())

	cached, err := store.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, validToken, cached)
}

func TestLogin_BadCredentials(t *testing.T) {
	a, store := newTestAuthenticator(t, newFakeService(t))

	_, err := a.Login(context.Background(), "user@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, errors.IsAuthError(err))

	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Incorrect username or password", apiErr.Detail)
	assert.Empty(t, a.Session().Token())

	cached, _ := store.LoadToken()
	assert.Empty(t, cached)
}

func TestTryAuthenticate(t *testing.T) {
	a, _ := newTestAuthenticator(t, newFakeService(t))
	ctx := context.Background()

	tests := []struct {
		token string
		want  TokenStatus
	}{
		{"", TokenMissing},
		{validToken, TokenValid},
		{unverifiedToken, TokenUnverified},
		{"revoked", TokenInvalid},
	}
	for _, tt := range tests {
		got, err := a.TryAuthenticate(ctx, tt.token)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "token %q", tt.token)
	}
}

func TestTryReuseExistingToken(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing cached", func(t *testing.T) {
		a, _ := newTestAuthenticator(t, newFakeService(t))
		status, err := a.TryReuseExistingToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenMissing, status)
	})

	t.Run("valid cached token", func(t *testing.T) {
		a, store := newTestAuthenticator(t, newFakeService(t))
		require.NoError(t, store.SaveToken(validToken))

		status, err := a.TryReuseExistingToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenValid, status)
		assert.Equal(t, validToken, a.Session().Token())
	})

	t.Run("session token wins", func(t *testing.T) {
		a, store := newTestAuthenticator(t, newFakeService(t))
		require.NoError(t, store.SaveToken("stale"))
		a.Session().SetToken(validToken)

		status, err := a.TryReuseExistingToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenValid, status)

		cached, _ := store.LoadToken()
		assert.Equal(t, validToken, cached)
	})

	t.Run("rejected token is removed", func(t *testing.T) {
		a, store := newTestAuthenticator(t, newFakeService(t))
		require.NoError(t, store.SaveToken("revoked"))

		status, err := a.TryReuseExistingToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenInvalid, status)
		assert.Empty(t, a.Session().Token())

		cached, _ := store.LoadToken()
		assert.Empty(t, cached)
	})

	t.Run("unverified token is kept", func(t *testing.T) {
		a, store := newTestAuthenticator(t, newFakeService(t))
		require.NoError(t, store.SaveToken(unverifiedToken))

		status, err := a.TryReuseExistingToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenUnverified, status)
		assert.Equal(t, unverifiedToken, a.Session().Token())

		cached, _ := store.LoadToken()
		assert.Equal(t, unverifiedToken, cached)

		msg, err := a.VerifyEmail(ctx, "123456")
		require.NoError(t, err)
		assert.Equal(t, "Email verified", msg)
	})

	t.Run("expired JWT skips the server", func(t *testing.T) {
		var calls int
		a, store := newTestAuthenticator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			fmt.Fprint(w, `{"message":"Hello, user"}`)
		}))
		require.NoError(t, store.SaveToken(createTestJWT(time.Now().Add(-time.Hour))))

		status, err := a.TryReuseExistingToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenInvalid, status)
		assert.Zero(t, calls)
		assert.Empty(t, a.Session().Token())

		cached, _ := store.LoadToken()
		assert.Empty(t, cached)
	})

	t.Run("server failure keeps token", func(t *testing.T) {
		a, store := newTestAuthenticator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		require.NoError(t, store.SaveToken(validToken))

		status, err := a.TryReuseExistingToken(ctx)
		require.Error(t, err)
		assert.NotEqual(t, TokenValid, status)

		cached, _ := store.LoadToken()
		assert.Equal(t, validToken, cached)
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("success logs in", func(t *testing.T) {
		a, store := newTestAuthenticator(t, newFakeService(t))

		msg, err := a.Register(ctx, "user@example.com", "Secret123!", "Secret123!", map[string]string{"company": "Acme"})
		require.NoError(t, err)
		assert.Equal(t, "User created", msg)
		assert.Equal(t, validToken, a.Session().Token())

		reg, err := store.LoadRegistration()
		require.NoError(t, err)
		require.NotNil(t, reg)
		assert.Equal(t, state.StepVerification, reg.Step)
	})

	t.Run("mismatched confirmation", func(t *testing.T) {
		a, _ := newTestAuthenticator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected request to %s", r.URL.Path)
		}))

		_, err := a.Register(ctx, "user@example.com", "a", "b", nil)
		require.Error(t, err)
		assert.True(t, errors.IsUserInputError(err))
	})

	t.Run("server rejects", func(t *testing.T) {
		a, _ := newTestAuthenticator(t, newFakeService(t))

		msg, err := a.Register(ctx, "taken@example.com", "Secret123!", "Secret123!", nil)
		require.Error(t, err)
		assert.Equal(t, "User already exists", msg)
		assert.Contains(t, err.Error(), "failed to register user")
		assert.Empty(t, a.Session().Token())
	})

	t.Run("validation detail", func(t *testing.T) {
		a, _ := newTestAuthenticator(t, newFakeService(t))

		msg, err := a.Register(ctx, "new@example.com", "Secret123!", "Secret123!", nil)
		require.Error(t, err)
		assert.Equal(t, "company required", msg)
	})
}

func TestPasswordPolicy_FromServer(t *testing.T) {
	a, _ := newTestAuthenticator(t, newFakeService(t))

	policy, err := a.PasswordPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Length(8)", "Uppercase(1)", "Numbers(1)", "Special(1)"}, policy.Strings())
	assert.Empty(t, policy.Test("Secret123!"))
}

func TestValidateEmail(t *testing.T) {
	a, store := newTestAuthenticator(t, newFakeService(t))
	ctx := context.Background()

	ok, msg, err := a.ValidateEmail(ctx, "taken@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Email already registered", msg)

	reg, _ := store.LoadRegistration()
	require.NotNil(t, reg)
	assert.Equal(t, state.StepEmailValidation, reg.Step)

	ok, msg, err = a.ValidateEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Email is valid", msg)

	reg, err = a.Progress()
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, "new@example.com", reg.Email)
	assert.Equal(t, state.StepPassword, reg.Step)
}

func TestVerificationFlow(t *testing.T) {
	a, store := newTestAuthenticator(t, newFakeService(t))
	ctx := context.Background()
	require.NoError(t, a.SetToken(validToken))
	require.NoError(t, store.SaveRegistration(state.Registration{Email: "user@example.com", Step: state.StepVerification}))

	msg, err := a.SendVerificationEmail(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Verification email sent", msg)

	_, err = a.VerifyEmail(ctx, "000000")
	require.Error(t, err)
	reg, _ := store.LoadRegistration()
	assert.NotNil(t, reg, "failed verification keeps the registration")

	msg, err = a.VerifyEmail(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "Email verified", msg)
	reg, _ = store.LoadRegistration()
	assert.Nil(t, reg)
}

func TestSendResetPasswordEmail(t *testing.T) {
	a, _ := newTestAuthenticator(t, newFakeService(t))

	msg, err := a.SendResetPasswordEmail(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Reset email sent to user@example.com", msg)
}

func TestRetrieveGreetingMessages(t *testing.T) {
	a, _ := newTestAuthenticator(t, newFakeService(t))
	ctx := context.Background()

	_, err := a.RetrieveGreetingMessages(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsAuthError(err), "no token set")

	require.NoError(t, a.SetToken(validToken))
	msgs, err := a.RetrieveGreetingMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Welcome back!"}, msgs)
}

func TestReset(t *testing.T) {
	a, store := newTestAuthenticator(t, newFakeService(t))
	require.NoError(t, a.SetToken(validToken))
	require.NoError(t, store.SaveRegistration(state.Registration{Email: "x@example.com", Step: state.StepPassword}))

	require.NoError(t, a.Reset())
	assert.Empty(t, a.Session().Token())

	cached, _ := store.LoadToken()
	assert.Empty(t, cached)
	reg, _ := store.LoadRegistration()
	assert.Nil(t, reg)
}

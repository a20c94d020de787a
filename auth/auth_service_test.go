package auth_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/fleetops-session/auth"
	"github.com/jrsteele09/fleetops-session/client"
	"github.com/jrsteele09/fleetops-session/querycache"
	"github.com/jrsteele09/fleetops-session/sessions"
	"github.com/jrsteele09/fleetops-session/tenants"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/stretchr/testify/require"
)

const (
	testUserID    = "user-1"
	testCompanyID = "company-1"
	testEmail     = "dispatch@acme.test"
	testPassword  = "Passw0rd!"
	testToken     = "token-1"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestUser() *users.User {
	return &users.User{
		ID:        testUserID,
		Email:     testEmail,
		FirstName: "Ada",
		LastName:  "Lane",
		CompanyID: testCompanyID,
		Role:      users.RoleDispatcher,
		IsActive:  true,
	}
}

// fakeAPI is an in-memory identity API.
type fakeAPI struct {
	mu sync.Mutex

	identity    *client.IdentityResult
	identityErr error
	// identityGate, when set, blocks FetchIdentity until closed.
	identityGate chan struct{}
	identityHits int

	authResp  *client.AuthResponse
	authErr   error
	authCalls int

	logoutErr   error
	logoutCalls int

	token  string
	resets int
}

func (f *fakeAPI) FetchIdentity(ctx context.Context) (*client.IdentityResult, error) {
	f.mu.Lock()
	f.identityHits++
	gate := f.identityGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identityErr != nil {
		return nil, f.identityErr
	}
	if f.identity == nil {
		return &client.IdentityResult{Status: client.Unauthenticated}, nil
	}
	return f.identity, nil
}

func (f *fakeAPI) Login(_ context.Context, _ users.Credentials) (*client.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.authResp, f.authErr
}

func (f *fakeAPI) Register(_ context.Context, _ users.Registration) (*client.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.authResp, f.authErr
}

func (f *fakeAPI) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

func (f *fakeAPI) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeAPI) ResetCredentials() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.resets++
}

type apiCalls struct {
	identityHits int
	authCalls    int
	logoutCalls  int
	token        string
	resets       int
}

func (f *fakeAPI) snapshot() apiCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return apiCalls{
		identityHits: f.identityHits,
		authCalls:    f.authCalls,
		logoutCalls:  f.logoutCalls,
		token:        f.token,
		resets:       f.resets,
	}
}

type fakeNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *fakeNavigator) Reload(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *fakeNavigator) reloads() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

type testNowTime struct {
	mu  sync.Mutex
	now time.Time
}

func (n *testNowTime) Now() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

func (n *testNowTime) Advance(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now = n.now.Add(d)
}

type testFixture struct {
	api       *fakeAPI
	store     *sessions.MemoryStore
	cache     *querycache.Cache
	navigator *fakeNavigator
	now       *testNowTime
	service   *auth.Service
}

type recordingNotifier struct {
	mu       sync.Mutex
	expiring int
	expired  int
}

func (n *recordingNotifier) SessionExpiring(time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiring++
}

func (n *recordingNotifier) SessionExpired() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired++
}

func (n *recordingNotifier) expiredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.expired
}

func setupTestFixture(t *testing.T, options ...auth.ServiceOption) *testFixture {
	t.Helper()
	f := &testFixture{
		api:       &fakeAPI{},
		store:     sessions.NewMemoryStore(),
		cache:     querycache.New(),
		navigator: &fakeNavigator{},
		now:       &testNowTime{now: testNow},
	}
	options = append([]auth.ServiceOption{
		auth.WithNowTime(f.now.Now),
		auth.WithClockOptions(sessions.WithNotifier(sessions.LogNotifier{})),
	}, options...)
	service, err := auth.NewService(f.api, f.store, f.cache, f.navigator, options...)
	require.NoError(t, err)
	t.Cleanup(service.Close)
	f.service = service
	return f
}

func (f *testFixture) storedSession(t *testing.T) *sessions.Session {
	t.Helper()
	s, err := sessions.Load(f.store)
	require.NoError(t, err)
	return s
}

func (f *testFixture) login(t *testing.T) *users.User {
	t.Helper()
	f.api.mu.Lock()
	f.api.authResp = &client.AuthResponse{User: newTestUser(), Token: testToken}
	f.api.authErr = nil
	f.api.mu.Unlock()
	u, err := f.service.Login(context.Background(), users.Credentials{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	return u
}

func TestNewService_RequiredDependencies(t *testing.T) {
	api, store, cache, nav := &fakeAPI{}, sessions.NewMemoryStore(), querycache.New(), &fakeNavigator{}

	_, err := auth.NewService(nil, store, cache, nav)
	require.Error(t, err)
	_, err = auth.NewService(api, nil, cache, nav)
	require.Error(t, err)
	_, err = auth.NewService(api, store, nil, nav)
	require.Error(t, err)
	_, err = auth.NewService(api, store, cache, nil)
	require.Error(t, err)

	s, err := auth.NewService(api, store, cache, nav)
	require.NoError(t, err)
	require.True(t, s.Loading())
	require.Nil(t, s.CurrentUser())
}

func TestInit(t *testing.T) {
	t.Run("authenticated without local session", func(t *testing.T) {
		f := setupTestFixture(t)
		f.api.identity = &client.IdentityResult{Status: client.Authenticated, User: newTestUser()}

		u := f.service.Init(context.Background())
		require.NotNil(t, u)
		require.Equal(t, testCompanyID, f.service.CurrentUser().CompanyID)
		require.False(t, f.service.Loading())

		s := f.storedSession(t)
		require.Equal(t, testUserID, s.User.ID)
		require.Equal(t, testNow.Add(2*time.Hour).UnixMilli(), s.ExpiresAt)
	})

	t.Run("restores token and keeps stored expiry", func(t *testing.T) {
		f := setupTestFixture(t)
		expiry := testNow.Add(90 * time.Minute)
		require.NoError(t, sessions.Save(f.store, sessions.NewSession(newTestUser(), "stored-token", expiry)))
		updated := newTestUser()
		updated.FirstName = "Grace"
		f.api.identity = &client.IdentityResult{Status: client.Authenticated, User: updated}

		f.service.Init(context.Background())
		require.Equal(t, "stored-token", f.api.snapshot().token)

		s := f.storedSession(t)
		require.Equal(t, "Grace", s.User.FirstName)
		require.Equal(t, "stored-token", s.Token)
		require.Equal(t, expiry.UnixMilli(), s.ExpiresAt)
	})

	t.Run("expired local session is ended immediately", func(t *testing.T) {
		notifier := &recordingNotifier{}
		f := setupTestFixture(t, auth.WithNotifier(notifier))
		require.NoError(t, sessions.Save(f.store, sessions.NewSession(newTestUser(), "stored-token", testNow.Add(-time.Millisecond))))
		f.api.identity = &client.IdentityResult{Status: client.Authenticated, User: newTestUser()}

		require.Nil(t, f.service.Init(context.Background()))
		f.service.Close()

		require.Nil(t, f.service.CurrentUser())
		require.False(t, f.service.Loading())
		_, err := sessions.Load(f.store)
		require.ErrorIs(t, err, sessions.ErrNoSession)
		require.Equal(t, []string{auth.LoginPath}, f.navigator.reloads())
		require.Equal(t, 1, notifier.expiredCount())
		require.Equal(t, 1, f.api.snapshot().logoutCalls)
	})

	t.Run("session expiring exactly now is ended", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, sessions.Save(f.store, sessions.NewSession(newTestUser(), "stored-token", testNow)))
		f.api.identity = &client.IdentityResult{Status: client.Authenticated, User: newTestUser()}

		require.Nil(t, f.service.Init(context.Background()))
		require.False(t, f.service.IsAuthenticated())
		require.Equal(t, 0, f.store.Len())
	})

	t.Run("unauthenticated clears local session", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, sessions.Save(f.store, sessions.NewSession(newTestUser(), "stale", testNow.Add(time.Hour))))

		require.Nil(t, f.service.Init(context.Background()))
		require.Nil(t, f.service.CurrentUser())
		require.False(t, f.service.Loading())
		_, err := sessions.Load(f.store)
		require.ErrorIs(t, err, sessions.ErrNoSession)
		require.Empty(t, f.navigator.reloads())
	})

	t.Run("network failure clears local session", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, sessions.Save(f.store, sessions.NewSession(newTestUser(), "stale", testNow.Add(time.Hour))))
		f.api.identityErr = fmt.Errorf("fetch identity: %w", client.ErrUnavailable)

		require.Nil(t, f.service.Init(context.Background()))
		require.False(t, f.service.Loading())
		_, err := sessions.Load(f.store)
		require.ErrorIs(t, err, sessions.ErrNoSession)
		_, cached := f.cache.Get(auth.IdentityKey)
		require.False(t, cached)
	})

	t.Run("malformed local session is discarded", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(sessions.StorageKey, "{broken"))

		require.Nil(t, f.service.Init(context.Background()))
		_, ok, _ := f.store.Get(sessions.StorageKey)
		require.False(t, ok)
	})
}

func TestLoading_FlipsOnce(t *testing.T) {
	f := setupTestFixture(t)
	f.api.identityGate = make(chan struct{})
	f.api.identity = &client.IdentityResult{Status: client.Authenticated, User: newTestUser()}

	done := make(chan struct{})
	go func() {
		f.service.Init(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return f.api.snapshot().identityHits == 1 }, time.Second, time.Millisecond)
	require.True(t, f.service.Loading())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, f.service.WaitReady(ctx), context.DeadlineExceeded)
	cancel()

	close(f.api.identityGate)
	<-done
	require.False(t, f.service.Loading())
	require.NoError(t, f.service.WaitReady(context.Background()))

	// Later refetches, whatever their outcome, never raise loading again.
	f.api.mu.Lock()
	f.api.identityGate = nil
	f.api.identity = nil
	f.api.mu.Unlock()
	require.Nil(t, f.service.Refetch(context.Background()))
	require.False(t, f.service.Loading())
	require.Equal(t, 2, f.api.snapshot().identityHits)
}

func TestRefetch_NeverServedFromCache(t *testing.T) {
	f := setupTestFixture(t)
	f.api.identity = &client.IdentityResult{Status: client.Authenticated, User: newTestUser()}
	for range 3 {
		f.service.Refetch(context.Background())
	}
	require.Equal(t, 3, f.api.snapshot().identityHits)
}

func TestLogin(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := setupTestFixture(t)
		f.cache.Set(querycache.Key{"api", "loads"}.With("companyId", "previous"), "stale")

		u := f.login(t)
		require.Equal(t, testUserID, u.ID)
		require.True(t, f.service.IsAuthenticated())

		s := f.storedSession(t)
		require.Equal(t, testToken, s.Token)
		require.Equal(t, testNow.Add(2*time.Hour).UnixMilli(), s.ExpiresAt)
		require.Equal(t, testToken, f.api.snapshot().token)

		cached, ok := f.cache.Get(auth.IdentityKey)
		require.True(t, ok)
		require.Equal(t, testUserID, cached.(*client.IdentityResult).User.ID)
		_, ok = f.cache.Get(querycache.Key{"api", "loads"}.With("companyId", "previous"))
		require.False(t, ok)
	})

	t.Run("rejection surfaces message and changes nothing", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set("ui.theme", "dark"))
		f.api.authErr = fmt.Errorf("login: %w", &client.ResponseError{Status: 401, Message: "Invalid email or password"})

		_, err := f.service.Login(context.Background(), users.Credentials{Email: testEmail, Password: "wrong"})
		var rejected *auth.CredentialsRejectedError
		require.ErrorAs(t, err, &rejected)
		require.Equal(t, "Invalid email or password", err.Error())
		require.Equal(t, 401, rejected.Status)

		require.Nil(t, f.service.CurrentUser())
		require.Equal(t, 1, f.store.Len())
		require.Empty(t, f.api.snapshot().token)
		_, cached := f.cache.Get(auth.IdentityKey)
		require.False(t, cached)
	})

	t.Run("network failure", func(t *testing.T) {
		f := setupTestFixture(t)
		f.api.authErr = fmt.Errorf("login: %w", client.ErrUnavailable)

		_, err := f.service.Login(context.Background(), users.Credentials{Email: testEmail, Password: testPassword})
		require.ErrorIs(t, err, auth.ErrNetworkUnavailable)
		require.Equal(t, 0, f.store.Len())
	})

	t.Run("server errors are not rejections", func(t *testing.T) {
		tests := []struct {
			status      int
			unavailable bool
		}{
			{status: 500},
			{status: 502, unavailable: true},
			{status: 503, unavailable: true},
			{status: 504, unavailable: true},
		}
		for _, tc := range tests {
			t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
				f := setupTestFixture(t)
				f.api.authErr = fmt.Errorf("login: %w", &client.ResponseError{Status: tc.status, Message: "upstream failed"})

				_, err := f.service.Login(context.Background(), users.Credentials{Email: testEmail, Password: testPassword})
				require.Error(t, err)
				var rejected *auth.CredentialsRejectedError
				require.False(t, errors.As(err, &rejected))
				require.Equal(t, tc.unavailable, errors.Is(err, auth.ErrNetworkUnavailable))
				if !tc.unavailable {
					var respErr *client.ResponseError
					require.ErrorAs(t, err, &respErr)
					require.Equal(t, tc.status, respErr.Status)
				}
				require.Nil(t, f.service.CurrentUser())
				require.Equal(t, 0, f.store.Len())
			})
		}
	})

	t.Run("invalid credentials are not sent", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.service.Login(context.Background(), users.Credentials{Email: "", Password: testPassword})
		require.Error(t, err)
		require.Equal(t, 0, f.api.snapshot().authCalls)
	})
}

func TestRegister_PersistsExpiry(t *testing.T) {
	f := setupTestFixture(t)
	f.api.authResp = &client.AuthResponse{User: newTestUser(), Token: testToken}

	u, err := f.service.Register(context.Background(), users.Registration{
		Email:       testEmail,
		Password:    testPassword,
		FirstName:   "Ada",
		LastName:    "Lane",
		CompanyName: "Acme Haulage",
	})
	require.NoError(t, err)
	require.Equal(t, testCompanyID, u.CompanyID)
	require.Equal(t, testNow.Add(2*time.Hour).UnixMilli(), f.storedSession(t).ExpiresAt)
}

func TestLogout(t *testing.T) {
	t.Run("tears everything down", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t)
		require.NoError(t, f.store.Set("ui.theme", "dark"))
		f.cache.Set(querycache.Key{"api", "loads"}, "loads")

		f.service.Logout(context.Background())

		require.Nil(t, f.service.CurrentUser())
		require.Equal(t, 0, f.store.Len())
		_, ok := f.cache.Get(querycache.Key{"api", "loads"})
		require.False(t, ok)
		_, ok = f.cache.Get(auth.IdentityKey)
		require.False(t, ok)

		api := f.api.snapshot()
		require.Equal(t, 1, api.logoutCalls)
		require.Equal(t, 1, api.resets)
		require.Empty(t, api.token)
		require.Equal(t, []string{auth.LoginPath}, f.navigator.reloads())
	})

	t.Run("server failure still clears local state", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t)
		f.api.mu.Lock()
		f.api.logoutErr = errors.New("boom")
		f.api.mu.Unlock()

		f.service.Logout(context.Background())
		require.Equal(t, 0, f.store.Len())
		require.Len(t, f.navigator.reloads(), 1)
	})

	t.Run("concurrent calls navigate once", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.service.Logout(context.Background())
			}()
		}
		wg.Wait()

		require.Len(t, f.navigator.reloads(), 1)
		require.Equal(t, 1, f.api.snapshot().logoutCalls)
	})

	t.Run("once per authenticated period", func(t *testing.T) {
		f := setupTestFixture(t)
		f.login(t)
		f.service.Logout(context.Background())
		f.service.Logout(context.Background())
		require.Len(t, f.navigator.reloads(), 1)

		f.login(t)
		f.service.Logout(context.Background())
		require.Len(t, f.navigator.reloads(), 2)
	})
}

func TestLogout_DiscardsLateIdentityResponse(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	gate := make(chan struct{})
	f.api.mu.Lock()
	f.api.identityGate = gate
	f.api.identity = &client.IdentityResult{Status: client.Authenticated, User: newTestUser()}
	f.api.mu.Unlock()

	result := make(chan *users.User, 1)
	go func() { result <- f.service.Refetch(context.Background()) }()
	require.Eventually(t, func() bool { return f.cache.InFlight() == 1 }, time.Second, time.Millisecond)

	f.service.Logout(context.Background())
	close(gate)

	require.Nil(t, <-result)
	require.Nil(t, f.service.CurrentUser())
	_, ok := f.cache.Get(auth.IdentityKey)
	require.False(t, ok)
	require.Equal(t, 0, f.store.Len())
}

func TestActivityAndExpiry(t *testing.T) {
	f := setupTestFixture(t)
	require.False(t, f.service.RecordActivity(sessions.ActivityClick))

	f.login(t)
	f.now.Advance(30 * time.Minute)
	require.True(t, f.service.RecordActivity(sessions.ActivityKeyPress))
	require.Equal(t, testNow.Add(150*time.Minute).UnixMilli(), f.storedSession(t).ExpiresAt)

	f.now.Advance(2 * time.Hour)
	f.service.CheckSession(context.Background())

	require.Eventually(t, func() bool { return len(f.navigator.reloads()) == 1 }, time.Second, time.Millisecond)
	require.Nil(t, f.service.CurrentUser())
	require.Equal(t, 0, f.store.Len())
	require.Equal(t, sessions.SessionInvalid, f.service.CheckSession(context.Background()))
}

func TestTenantScopeFollowsSession(t *testing.T) {
	f := setupTestFixture(t)
	scope := tenants.NewScope(f.service)
	base := querycache.Key{"api", "loads"}

	_, err := scope.EnsureTenantScope(base)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)

	f.login(t)
	key, err := scope.EnsureTenantScope(base)
	require.NoError(t, err)
	got, ok := key.Field(tenants.CompanyIDField)
	require.True(t, ok)
	require.Equal(t, testCompanyID, got)

	payload, err := scope.WithTenantFilter(map[string]any{"status": "open"})
	require.NoError(t, err)
	require.Equal(t, testCompanyID, payload[tenants.CompanyIDField])

	f.service.Logout(context.Background())
	_, err = scope.WithTenantFilter(map[string]any{"status": "open"})
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
}

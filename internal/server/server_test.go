package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"anitrack/internal/app"
	"anitrack/internal/catalog"
	"anitrack/pkg/domain"
	"anitrack/pkg/store"
)

const fakePageBody = `{
	"data": [{"mal_id": 1, "title": "Cowboy Bebop", "type": "TV", "status": "Finished Airing", "members": 1,
	          "images": {"jpg": {"image_url": "http://img/1.jpg", "large_image_url": ""}}}],
	"pagination": {"last_visible_page": 1, "has_next_page": false, "current_page": 1}
}`

const fakeAnimeBody = `{
	"data": {"mal_id": 5, "title": "Cowboy Bebop: The Movie", "type": "Movie", "status": "Finished Airing",
	         "images": {"jpg": {"image_url": "http://img/5.jpg", "large_image_url": ""}}}
}`

type memoryObjects struct {
	mu   sync.Mutex
	blob map[string][]byte
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{blob: make(map[string][]byte)}
}

func (m *memoryObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob[key] = data
	return nil
}

func (m *memoryObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func (m *memoryObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blob, key)
	return nil
}

type testEnv struct {
	srv     *httptest.Server
	objects *memoryObjects
}

func newTestServer(t *testing.T, loginLimit int) *testEnv {
	t.Helper()
	catalogSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/anime/404/"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":404,"message":"Resource does not exist"}`))
		case strings.HasPrefix(r.URL.Path, "/anime/666/"):
			w.WriteHeader(http.StatusInternalServerError)
		case strings.HasPrefix(r.URL.Path, "/anime/"):
			_, _ = w.Write([]byte(fakeAnimeBody))
		default:
			_, _ = w.Write([]byte(fakePageBody))
		}
	}))
	t.Cleanup(catalogSrv.Close)

	mem := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore([]byte("test-secret"), time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	objects := newMemoryObjects()
	application, err := app.New(app.Config{
		Store:    mem,
		Sessions: sessions,
		Catalog:  catalog.NewClient(catalogSrv.URL),
		Objects:  objects,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	s, err := New(Config{
		App:                     application,
		RedisAddr:               redis.Addr(),
		LoginRateLimitPerMinute: loginLimit,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, objects: objects}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (e *testEnv) register(t *testing.T, email string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"name": "Spike", "email": email, "password": "seeyouspace",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("register returned no token")
	}
	return token
}

func TestHealth(t *testing.T) {
	env := newTestServer(t, 0)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}
}

func TestRegisterLoginMe(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "spike@example.com")

	resp := env.do(t, http.MethodGet, "/auth/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", resp.StatusCode)
	}
	me := decode[struct {
		User           domain.User `json:"user"`
		FavoriteGenres []string    `json:"favoriteGenres"`
	}](t, resp)
	if me.User.Email != "spike@example.com" {
		t.Errorf("me email = %q", me.User.Email)
	}
	if len(me.FavoriteGenres) != 0 {
		t.Errorf("fresh user has genres %v", me.FavoriteGenres)
	}

	resp = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "spike@example.com", "password": "seeyouspace",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login: status %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "spike@example.com", "password": "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login: status %d, want 401", resp.StatusCode)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "jet@example.com")

	resp := env.do(t, http.MethodPost, "/auth/logout", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/auth/me", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("me after logout: status %d, want 401", resp.StatusCode)
	}
}

func TestListRequiresAuth(t *testing.T) {
	env := newTestServer(t, 0)
	for _, path := range []string{"/api/list", "/api/list/1", "/api/preferences", "/auth/me"} {
		resp := env.do(t, http.MethodGet, path, "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s anonymous: status %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestListLifecycle(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "faye@example.com")

	resp := env.do(t, http.MethodPut, "/api/list/1/status", token, map[string]string{
		"status": "watching", "title": "Cowboy Bebop", "imageUrl": "http://img/1.jpg",
	})
	state := decode[domain.EntryState](t, resp)
	if !state.InList || state.Entry == nil || state.Entry.Status != domain.StatusWatching {
		t.Fatalf("after status: %+v", state)
	}

	resp = env.do(t, http.MethodPost, "/api/list/1/favorite", token, map[string]string{
		"title": "Cowboy Bebop", "imageUrl": "http://img/1.jpg",
	})
	state = decode[domain.EntryState](t, resp)
	if !state.InList || state.Entry == nil || !state.Entry.IsFavorite || state.Entry.Status != domain.StatusWatching {
		t.Fatalf("after favorite: %+v", state)
	}

	resp = env.do(t, http.MethodGet, "/api/list", token, nil)
	snapshot := decode[domain.ListSnapshot](t, resp)
	if len(snapshot.Entries) != 1 || len(snapshot.Favorites) != 1 || len(snapshot.Watching) != 1 {
		t.Fatalf("snapshot: %d entries, %d favorites, %d watching",
			len(snapshot.Entries), len(snapshot.Favorites), len(snapshot.Watching))
	}

	resp = env.do(t, http.MethodGet, "/api/list/1", token, nil)
	entry := decode[domain.AnimeEntry](t, resp)
	if entry.MalID != 1 || entry.Title != "Cowboy Bebop" {
		t.Errorf("entry: %+v", entry)
	}

	resp = env.do(t, http.MethodDelete, "/api/list/1", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/list/1", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", resp.StatusCode)
	}
}

func TestFavoriteToggleTwiceRemovesRow(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "ed@example.com")

	body := map[string]string{"title": "Cowboy Bebop", "imageUrl": "http://img/1.jpg"}
	resp := env.do(t, http.MethodPost, "/api/list/1/favorite", token, body)
	state := decode[domain.EntryState](t, resp)
	if !state.InList {
		t.Fatal("first toggle: not in list")
	}
	resp = env.do(t, http.MethodPost, "/api/list/1/favorite", token, body)
	state = decode[domain.EntryState](t, resp)
	if state.InList || state.Entry != nil {
		t.Fatalf("second toggle: %+v, want gone", state)
	}
}

func TestStatusRejectsUnknownValue(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "ein@example.com")
	resp := env.do(t, http.MethodPut, "/api/list/1/status", token, map[string]string{"status": "rewatching"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status value: status %d, want 400", resp.StatusCode)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "vicious@example.com")

	resp := env.do(t, http.MethodPut, "/api/preferences", token, map[string][]string{
		"genres": {"Action", "Romance"},
	})
	prefs := decode[struct {
		Genres []string `json:"genres"`
	}](t, resp)
	if len(prefs.Genres) != 2 {
		t.Fatalf("put preferences: %v", prefs.Genres)
	}

	resp = env.do(t, http.MethodPut, "/api/preferences", token, map[string][]string{
		"genres": {"Horror"},
	})
	prefs = decode[struct {
		Genres []string `json:"genres"`
	}](t, resp)
	if len(prefs.Genres) != 1 || prefs.Genres[0] != "Horror" {
		t.Errorf("replace preferences: %v", prefs.Genres)
	}

	resp = env.do(t, http.MethodGet, "/api/preferences", token, nil)
	prefs = decode[struct {
		Genres []string `json:"genres"`
	}](t, resp)
	if len(prefs.Genres) != 1 || prefs.Genres[0] != "Horror" {
		t.Errorf("get preferences: %v", prefs.Genres)
	}
}

func TestHomeAnonymousAndSignedIn(t *testing.T) {
	env := newTestServer(t, 0)

	resp := env.do(t, http.MethodGet, "/api/home", "", nil)
	home := decode[app.HomePage](t, resp)
	if len(home.Top.Data) == 0 || len(home.Seasonal.Data) == 0 {
		t.Fatal("home missing top or seasonal")
	}
	if home.Recommended != nil {
		t.Error("anonymous home has recommendations")
	}

	token := env.register(t, "julia@example.com")
	resp = env.do(t, http.MethodPut, "/api/preferences", token, map[string][]string{"genres": {"Action"}})
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/home", token, nil)
	home = decode[app.HomePage](t, resp)
	if home.Recommended == nil || len(home.Recommended.Data) == 0 {
		t.Error("signed-in home with preferences lacks recommendations")
	}
}

func TestCatalogRoutes(t *testing.T) {
	env := newTestServer(t, 0)

	for _, path := range []string{"/api/catalog/top", "/api/catalog/season", "/api/browse", "/api/catalog/search?q=bebop"} {
		resp := env.do(t, http.MethodGet, path, "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
	}

	resp := env.do(t, http.MethodGet, "/api/catalog/search", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("search without query: status %d, want 400", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/catalog/anime/5", "", nil)
	detail := decode[struct {
		Anime catalog.Anime      `json:"anime"`
		Entry *domain.AnimeEntry `json:"entry"`
	}](t, resp)
	if detail.Anime.MalID != 5 || detail.Entry != nil {
		t.Errorf("detail: %+v", detail)
	}

	resp = env.do(t, http.MethodGet, "/api/catalog/anime/404", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing anime: status %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/catalog/anime/666", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("upstream failure: status %d, want 502", resp.StatusCode)
	}
}

func TestAnimeDetailIncludesOwnEntry(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "gren@example.com")

	resp := env.do(t, http.MethodPut, "/api/list/5/status", token, map[string]string{
		"status": "watched", "title": "Cowboy Bebop: The Movie", "imageUrl": "http://img/5.jpg",
	})
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/catalog/anime/5", token, nil)
	detail := decode[struct {
		Anime catalog.Anime      `json:"anime"`
		Entry *domain.AnimeEntry `json:"entry"`
	}](t, resp)
	if detail.Entry == nil || detail.Entry.Status != domain.StatusWatched {
		t.Errorf("detail entry: %+v", detail.Entry)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestServer(t, 1)
	body := map[string]string{"email": "nobody@example.com", "password": "irrelevant"}

	resp := env.do(t, http.MethodPost, "/auth/login", "", body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("first login already limited")
	}

	resp = env.do(t, http.MethodPost, "/auth/login", "", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login: status %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

func TestAvatarUpload(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "punch@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "me.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("png-bytes"))
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/auth/me/avatar", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status %d", resp.StatusCode)
	}
	got := decode[map[string]string](t, resp)
	if !strings.HasPrefix(got["avatarUrl"], "https://objects.test/avatars/") {
		t.Errorf("avatarUrl = %q", got["avatarUrl"])
	}

	env.objects.mu.Lock()
	stored := len(env.objects.blob)
	env.objects.mu.Unlock()
	if stored != 1 {
		t.Errorf("stored objects = %d, want 1", stored)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestServer(t, 0)
	token := env.register(t, "laughing@example.com")
	cases := []struct{ method, path string }{
		{http.MethodGet, "/auth/register"},
		{http.MethodDelete, "/auth/login"},
		{http.MethodPost, "/api/home"},
		{http.MethodPost, "/api/list"},
	}
	for _, tc := range cases {
		resp := env.do(t, tc.method, tc.path, token, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status %d, want 405", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestDuplicateEmailRejected(t *testing.T) {
	env := newTestServer(t, 0)
	env.register(t, "dupe@example.com")
	resp := env.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"name": "Again", "email": "dupe@example.com", "password": "seeyouspace",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate register: status %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Error("error body missing message")
	}
}

func TestErrorEnvelopeCarriesCodeAndRequestID(t *testing.T) {
	env := newTestServer(t, 0)

	resp := env.do(t, http.MethodGet, "/api/list", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list: status %d, want 401", resp.StatusCode)
	}
	headerID := resp.Header.Get("X-Request-Id")
	body := decode[struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}](t, resp)
	if body.Error == "" {
		t.Error("error envelope missing message")
	}
	if body.Code != "AUTH_INVALID_TOKEN" {
		t.Errorf("code = %q, want AUTH_INVALID_TOKEN", body.Code)
	}
	if body.RequestID == "" || body.RequestID != headerID {
		t.Errorf("requestId = %q, header = %q", body.RequestID, headerID)
	}

	resp = env.do(t, http.MethodDelete, "/auth/login", "", nil)
	body = decode[struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}](t, resp)
	if body.Code != "SYSTEM_METHOD_NOT_ALLOWED" {
		t.Errorf("method-not-allowed code = %q", body.Code)
	}

	resp = env.do(t, http.MethodGet, "/api/catalog/anime/666", "", nil)
	body = decode[struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}](t, resp)
	if body.Code != "ANI_CATALOG_UNAVAILABLE" {
		t.Errorf("upstream-failure code = %q", body.Code)
	}
}

type genreFailStore struct {
	store.Store
}

func (genreFailStore) ListGenres(string) ([]string, error) {
	return nil, errTestGenres
}

var errTestGenres = errors.New("genre table unavailable")

func TestHomeStoreFailureIsNotBadGateway(t *testing.T) {
	catalogSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(fakePageBody))
	}))
	t.Cleanup(catalogSrv.Close)

	sessions, err := store.NewJWTSessionStore([]byte("test-secret"), time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	application, err := app.New(app.Config{
		Store:    genreFailStore{Store: store.NewMemoryStore()},
		Sessions: sessions,
		Catalog:  catalog.NewClient(catalogSrv.URL),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	s, err := New(Config{App: application, RedisAddr: redis.Addr()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv}
	token := env.register(t, "failing@example.com")

	resp := env.do(t, http.MethodGet, "/api/home", token, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("home with broken store: status %d, want 500", resp.StatusCode)
	}
	body := decode[struct {
		Code string `json:"code"`
	}](t, resp)
	if body.Code != "SYSTEM_INTERNAL_ERROR" {
		t.Errorf("code = %q, want SYSTEM_INTERNAL_ERROR", body.Code)
	}
}

func TestCatalogGenresEndpoint(t *testing.T) {
	env := newTestServer(t, 0)
	resp := env.do(t, http.MethodGet, "/api/catalog/genres", "", nil)
	got := decode[map[string]any](t, resp)
	preferred, ok := got["preferred"].([]any)
	if !ok || len(preferred) == 0 {
		t.Fatalf("preferred labels missing: %v", got["preferred"])
	}
	for _, label := range preferred {
		if fmt.Sprint(label) == "" {
			t.Error("empty preferred label")
		}
	}
}

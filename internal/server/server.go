package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"anitrack/internal/app"
	"anitrack/internal/catalog"
	"anitrack/internal/ratelimit"
	"anitrack/internal/recommend"
	"anitrack/internal/util"
	"anitrack/pkg/domain"
)

const maxAvatarBytes = 5 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	RedisAddr                  string
	RedisPassword              string
	LoginRateLimitPerMinute    int
	RegisterRateLimitPerMinute int
	TrustedProxies             *util.TrustedProxies
}

// Server exposes the HTTP endpoints.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	trustedProxies  *util.TrustedProxies
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "anitrack:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		trustedProxies:  cfg.TrustedProxies,
		loginLimiter:    loginLimiter,
		registerLimiter: registerLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("anitrack", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/auth/me/avatar", s.authenticated(s.handleAvatar))

	// catalog pass-through
	s.mux.HandleFunc("/api/catalog/top", s.handleCatalogTop)
	s.mux.HandleFunc("/api/catalog/search", s.handleCatalogSearch)
	s.mux.HandleFunc("/api/catalog/season", s.handleCatalogSeason)
	s.mux.HandleFunc("/api/catalog/genres", s.handleCatalogGenres)
	s.mux.HandleFunc("/api/catalog/anime/", s.handleCatalogAnime)

	// composed pages
	s.mux.HandleFunc("/api/home", s.handleHome)
	s.mux.HandleFunc("/api/browse", s.handleBrowse)

	// personal list & preferences (auth required)
	s.mux.Handle("/api/list", s.authenticated(s.handleList))
	s.mux.Handle("/api/list/", s.authenticated(s.handleListEntry))
	s.mux.Handle("/api/preferences", s.authenticated(s.handlePreferences))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

// maybeUser resolves the caller when a valid bearer token is present.
// Anonymous and expired-token requests both come back nil.
func (s *Server) maybeUser(r *http.Request) *domain.User {
	if r.Header.Get("Authorization") == "" {
		return nil
	}
	user, ok := s.authorize(r)
	if !ok {
		return nil
	}
	return &user
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many signup attempts, try again later") {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Register(req.Name, req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts, try again later") {
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) || errors.Is(err, app.ErrFieldsRequired) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		internalError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		internalError(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	avatarURL, err := s.app.AvatarURL(r.Context(), user)
	if err != nil {
		slog.Warn("presign avatar failed", "userId", user.ID, "error", err)
		avatarURL = ""
	}
	genres, err := s.app.GetPreferences(user)
	if err != nil {
		internalError(w, "load preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: user, AvatarURL: avatarURL, FavoriteGenres: genres})
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes)
	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	url, err := s.app.SetAvatar(r.Context(), user, header.Filename, file, header.Size)
	if err != nil {
		if errors.Is(err, app.ErrAvatarUnavailable) || errors.Is(err, app.ErrFieldsRequired) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		internalError(w, "store avatar", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"avatarUrl": url})
}

// catalog handlers
func (s *Server) handleCatalogTop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := s.app.Browse(r.Context(), "", "", pageParam(r))
	if err != nil {
		catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query().Get("q")
	genres := r.URL.Query().Get("genres")
	if strings.TrimSpace(q) == "" && strings.TrimSpace(genres) == "" {
		writeError(w, http.StatusBadRequest, "q or genres is required")
		return
	}
	page, err := s.app.Browse(r.Context(), q, genres, pageParam(r))
	if err != nil {
		catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCatalogSeason(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := s.app.SeasonNow(r.Context(), pageParam(r))
	if err != nil {
		catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCatalogGenres(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	genres, err := s.app.CatalogGenres(r.Context())
	if err != nil {
		catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":      genres,
		"preferred": recommend.Labels(),
	})
}

func (s *Server) handleCatalogAnime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	malID, ok := malIDFromPath(r.URL.Path, "/api/catalog/anime/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	anime, entry, err := s.app.AnimeDetail(r.Context(), s.maybeUser(r), malID)
	if err != nil {
		if isCatalogFailure(err) {
			catalogError(w, err)
		} else {
			internalError(w, "anime detail", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, animeDetailResponse{Anime: anime, Entry: entry})
}

// composed pages
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := s.app.Home(r.Context(), s.maybeUser(r))
	if err != nil {
		if isCatalogFailure(err) {
			catalogError(w, err)
		} else {
			internalError(w, "compose home", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	page, err := s.app.Browse(r.Context(), q.Get("q"), q.Get("genres"), pageParam(r))
	if err != nil {
		catalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// list handlers
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snapshot, err := s.app.ListSnapshot(user)
	if err != nil {
		internalError(w, "list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleListEntry(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/list/")
	idPart, action, _ := strings.Cut(rest, "/")
	malID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || malID <= 0 {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		s.handleEntry(w, r, user, malID)
	case "favorite":
		s.handleEntryFavorite(w, r, user, malID)
	case "status":
		s.handleEntryStatus(w, r, user, malID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request, user domain.User, malID int64) {
	switch r.Method {
	case http.MethodGet:
		entry, found, err := s.app.GetEntry(user, malID)
		if err != nil {
			internalError(w, "get entry", err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "not in list")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if err := s.app.RemoveFromList(user, malID); err != nil {
			internalError(w, "remove entry", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleEntryFavorite(w http.ResponseWriter, r *http.Request, user domain.User, malID int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req entryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	state, err := s.app.ToggleFavorite(user, malID, req.Title, req.ImageURL)
	if err != nil {
		internalError(w, "toggle favorite", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEntryStatus(w http.ResponseWriter, r *http.Request, user domain.User, malID int64) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req entryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, ok := domain.ParseWatchStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status (want watching, watched or none)")
		return
	}
	state, err := s.app.SetStatus(user, malID, req.Title, req.ImageURL, status)
	if err != nil {
		internalError(w, "set status", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// preference handlers
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		genres, err := s.app.GetPreferences(user)
		if err != nil {
			internalError(w, "load preferences", err)
			return
		}
		writeJSON(w, http.StatusOK, preferencesResponse{Genres: genres})
	case http.MethodPut:
		var req preferencesRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.UpdatePreferences(user, req.Genres); err != nil {
			internalError(w, "save preferences", err)
			return
		}
		genres, err := s.app.GetPreferences(user)
		if err != nil {
			internalError(w, "load preferences", err)
			return
		}
		writeJSON(w, http.StatusOK, preferencesResponse{Genres: genres})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func internalError(w http.ResponseWriter, op string, err error) {
	slog.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// isCatalogFailure reports whether the error originated in the catalog
// client rather than local storage.
func isCatalogFailure(err error) bool {
	var apiErr *catalog.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var reqErr *catalog.RequestError
	return errors.As(err, &reqErr)
}

// catalogError maps upstream failures: a 404 from the catalog stays a
// 404, anything else surfaces as 502.
func catalogError(w http.ResponseWriter, err error) {
	var apiErr *catalog.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "anime not found")
			return
		}
		slog.Warn("catalog request rejected", "status", apiErr.Status, "error", apiErr.Message)
		writeError(w, http.StatusBadGateway, "catalog unavailable")
		return
	}
	slog.Error("catalog request failed", "error", err)
	writeError(w, http.StatusBadGateway, "catalog unavailable")
}

func pageParam(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("page"))
	if raw == "" {
		return 1
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func malIDFromPath(path, prefix string) (int64, bool) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type meResponse struct {
	User           domain.User `json:"user"`
	AvatarURL      string      `json:"avatarUrl,omitempty"`
	FavoriteGenres []string    `json:"favoriteGenres"`
}

type entryRequest struct {
	Title    string `json:"title"`
	ImageURL string `json:"imageUrl"`
	Status   string `json:"status"`
}

type preferencesRequest struct {
	Genres []string `json:"genres"`
}

type preferencesResponse struct {
	Genres []string `json:"genres"`
}

type animeDetailResponse struct {
	Anime catalog.Anime      `json:"anime"`
	Entry *domain.AnimeEntry `json:"entry,omitempty"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Warn("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "invalid email or password":
		return "AUTH_INVALID_CREDENTIALS"
	case message == "email already in use":
		return "AUTH_EMAIL_IN_USE"
	case message == "all fields are required":
		return "AUTH_FIELDS_REQUIRED"
	case strings.Contains(message, "password must be"):
		return "AUTH_WEAK_PASSWORD"
	case strings.Contains(message, "too many login"), strings.Contains(message, "too many signup"):
		return "AUTH_RATE_LIMITED"
	case message == "invalid json body", message == "q or genres is required":
		return "ANI_INVALID_REQUEST"
	case strings.Contains(message, "invalid status"):
		return "ANI_INVALID_STATUS"
	case message == "not in list":
		return "ANI_ENTRY_NOT_FOUND"
	case message == "anime not found":
		return "ANI_NOT_FOUND"
	case message == "catalog unavailable":
		return "ANI_CATALOG_UNAVAILABLE"
	case message == "invalid form data":
		return "ANI_INVALID_UPLOAD_FORM"
	case strings.Contains(message, "file is required"):
		return "ANI_FILE_REQUIRED"
	case message == "avatar storage not configured":
		return "ANI_AVATAR_UNAVAILABLE"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}

	switch status {
	case http.StatusBadRequest:
		return "ANI_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "ANI_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "AUTH_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

// Package app implements the user-facing actions: account management,
// anime list mutations, genre preferences and page composition over the
// catalog.
package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"anitrack/internal/catalog"
	"anitrack/internal/recommend"
	"anitrack/pkg/auth"
	"anitrack/pkg/domain"
	"anitrack/pkg/storage"
	"anitrack/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Sessions    store.SessionStore
	Catalog     *catalog.Client
	Objects     storage.ObjectStore
}

// App is the core application service wiring together storage, sessions
// and the catalog client.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	catalog       *catalog.Client
	objects       storage.ObjectStore
	presignExpiry time.Duration
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog client required")
	}
	return &App{
		store:         dataStore,
		sessions:      cfg.Sessions,
		catalog:       cfg.Catalog,
		objects:       cfg.Objects,
		presignExpiry: 15 * time.Minute,
	}, nil
}

// Register creates an account and opens a session.
func (a *App) Register(name, email, password string) (domain.User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" || password == "" {
		return domain.User{}, "", ErrFieldsRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", err
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailInUse
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("open session: %w", err)
	}
	return user, token, nil
}

// Login verifies credentials and opens a session.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return domain.User{}, "", ErrFieldsRequired
	}
	user, found, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("lookup user: %w", err)
	}
	if !found || user.PasswordHash == "" || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("open session: %w", err)
	}
	return user, token, nil
}

// Logout revokes the session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves a session token to its user.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(userID)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// SetAvatar stores an avatar image and returns a pre-signed URL for it.
func (a *App) SetAvatar(ctx context.Context, user domain.User, filename string, r io.Reader, size int64) (string, error) {
	if a.objects == nil {
		return "", ErrAvatarUnavailable
	}
	if strings.TrimSpace(filename) == "" {
		return "", ErrFieldsRequired
	}
	key := path.Join("avatars", user.ID, sanitizeFilename(filepath.Base(filename)))
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, key, r, size, contentType); err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}
	if err := a.store.SetUserAvatar(user.ID, key); err != nil {
		_ = a.objects.Delete(ctx, key)
		return "", fmt.Errorf("save avatar key: %w", err)
	}
	return a.objects.PresignGet(ctx, key, a.presignExpiry)
}

// AvatarURL returns a pre-signed URL for the user's avatar, or "" when the
// user has none.
func (a *App) AvatarURL(ctx context.Context, user domain.User) (string, error) {
	if a.objects == nil || strings.TrimSpace(user.AvatarKey) == "" {
		return "", nil
	}
	return a.objects.PresignGet(ctx, user.AvatarKey, a.presignExpiry)
}

// ToggleFavorite flips the favorite facet of (user, malID) and returns the
// confirmed state.
func (a *App) ToggleFavorite(user domain.User, malID int64, title, imageURL string) (domain.EntryState, error) {
	entry, inList, err := a.store.ToggleFavorite(user.ID, malID, title, imageURL)
	if err != nil {
		return domain.EntryState{}, fmt.Errorf("toggle favorite: %w", err)
	}
	return entryState(entry, inList), nil
}

// SetStatus overwrites the watch status of (user, malID) and returns the
// confirmed state. StatusNone clears.
func (a *App) SetStatus(user domain.User, malID int64, title, imageURL string, status domain.WatchStatus) (domain.EntryState, error) {
	entry, inList, err := a.store.SetEntryStatus(user.ID, malID, title, imageURL, status)
	if err != nil {
		return domain.EntryState{}, fmt.Errorf("set status: %w", err)
	}
	return entryState(entry, inList), nil
}

// RemoveFromList deletes the entry; absent is a no-op.
func (a *App) RemoveFromList(user domain.User, malID int64) error {
	if err := a.store.RemoveEntry(user.ID, malID); err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	return nil
}

// GetEntry fetches one entry.
func (a *App) GetEntry(user domain.User, malID int64) (domain.AnimeEntry, bool, error) {
	return a.store.GetEntry(user.ID, malID)
}

// ListSnapshot returns the user's entries with the my-list partitions.
func (a *App) ListSnapshot(user domain.User) (domain.ListSnapshot, error) {
	entries, err := a.store.ListEntries(user.ID)
	if err != nil {
		return domain.ListSnapshot{}, fmt.Errorf("list entries: %w", err)
	}
	return domain.SnapshotOf(entries), nil
}

// UpdatePreferences replaces the user's favorite genre set.
func (a *App) UpdatePreferences(user domain.User, genres []string) error {
	cleaned := make([]string, 0, len(genres))
	for _, g := range genres {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		cleaned = append(cleaned, g)
	}
	if err := a.store.ReplaceGenres(user.ID, cleaned); err != nil {
		return fmt.Errorf("replace genres: %w", err)
	}
	return nil
}

// GetPreferences returns the user's favorite genre labels.
func (a *App) GetPreferences(user domain.User) ([]string, error) {
	return a.store.ListGenres(user.ID)
}

// HomePage is the composed home view: top and seasonal anime for
// everyone, plus genre-based recommendations for signed-in users with at
// least one mappable favorite genre.
type HomePage struct {
	Top         catalog.Page  `json:"top"`
	Seasonal    catalog.Page  `json:"seasonal"`
	Recommended *catalog.Page `json:"recommended,omitempty"`
}

// Home fetches the home-page sections concurrently and joins them before
// returning.
func (a *App) Home(ctx context.Context, user *domain.User) (HomePage, error) {
	var page HomePage
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		top, err := a.catalog.Top(ctx, 1)
		if err != nil {
			return err
		}
		page.Top = top
		return nil
	})
	g.Go(func() error {
		seasonal, err := a.catalog.SeasonNow(ctx, 1)
		if err != nil {
			return err
		}
		page.Seasonal = seasonal
		return nil
	})
	if user != nil {
		g.Go(func() error {
			genres, err := a.store.ListGenres(user.ID)
			if err != nil {
				return err
			}
			ids := recommend.MapGenreIDs(genres)
			if len(ids) == 0 {
				return nil
			}
			recommended, err := a.catalog.ByGenres(ctx, recommend.JoinIDs(ids), 1)
			if err != nil {
				return err
			}
			page.Recommended = &recommended
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return HomePage{}, err
	}
	return page, nil
}

// Browse serves the browse page: free-text search and/or genre filter
// when given, top anime otherwise. The page number passes through.
func (a *App) Browse(ctx context.Context, query, genres string, page int) (catalog.Page, error) {
	if strings.TrimSpace(query) == "" && strings.TrimSpace(genres) == "" {
		return a.catalog.Top(ctx, page)
	}
	return a.catalog.Search(ctx, query, genres, page)
}

// SeasonNow lists the currently airing season.
func (a *App) SeasonNow(ctx context.Context, page int) (catalog.Page, error) {
	return a.catalog.SeasonNow(ctx, page)
}

// CatalogGenres lists the catalog's genre taxonomy.
func (a *App) CatalogGenres(ctx context.Context) ([]catalog.Genre, error) {
	return a.catalog.Genres(ctx)
}

// AnimeDetail returns the catalog record plus the caller's entry when one
// exists.
func (a *App) AnimeDetail(ctx context.Context, user *domain.User, malID int64) (catalog.Anime, *domain.AnimeEntry, error) {
	anime, err := a.catalog.ByID(ctx, malID)
	if err != nil {
		return catalog.Anime{}, nil, err
	}
	if user == nil {
		return anime, nil, nil
	}
	entry, found, err := a.store.GetEntry(user.ID, malID)
	if err != nil || !found {
		return anime, nil, err
	}
	return anime, &entry, nil
}

func entryState(entry domain.AnimeEntry, inList bool) domain.EntryState {
	if !inList {
		return domain.EntryState{InList: false}
	}
	return domain.EntryState{InList: true, Entry: &entry}
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "avatar"
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "avatar"
	}
	return out
}

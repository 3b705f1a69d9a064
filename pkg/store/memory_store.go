package store

import (
	"sync"
	"time"

	"anitrack/pkg/domain"
)

type entryKey struct {
	userID string
	malID  int64
}

// MemoryStore keeps all state in-process. It mirrors GormStore semantics
// and backs the app and server tests.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]domain.User // key: user ID
	email   map[string]string      // email -> user ID
	entries map[entryKey]domain.AnimeEntry
	order   []entryKey
	genres  map[string][]string // user ID -> genre labels
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]domain.User),
		email:   make(map[string]string),
		entries: make(map[entryKey]domain.AnimeEntry),
		genres:  make(map[string][]string),
	}
}

// SaveUser registers or replaces a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// SetUserAvatar updates the stored avatar object key.
func (m *MemoryStore) SetUserAvatar(id, avatarKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.AvatarKey = avatarKey
		m.users[id] = u
	}
	return nil
}

// ToggleFavorite flips the favorite flag, creating the entry when absent
// and deleting it when no user state remains.
func (m *MemoryStore) ToggleFavorite(userID string, malID int64, title, imageURL string) (domain.AnimeEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey{userID, malID}
	e, ok := m.entries[key]
	if !ok {
		now := time.Now().UTC()
		e = domain.AnimeEntry{
			MalID:      malID,
			Title:      title,
			ImageURL:   imageURL,
			IsFavorite: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		m.entries[key] = e
		m.order = append(m.order, key)
		return e, true, nil
	}
	e.IsFavorite = !e.IsFavorite
	return m.writeOrReap(key, e)
}

// SetEntryStatus overwrites the status unconditionally, creating the entry
// when absent.
func (m *MemoryStore) SetEntryStatus(userID string, malID int64, title, imageURL string, status domain.WatchStatus) (domain.AnimeEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey{userID, malID}
	e, ok := m.entries[key]
	if !ok {
		if status == domain.StatusNone {
			return domain.AnimeEntry{}, false, nil
		}
		now := time.Now().UTC()
		e = domain.AnimeEntry{
			MalID:     malID,
			Title:     title,
			ImageURL:  imageURL,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.entries[key] = e
		m.order = append(m.order, key)
		return e, true, nil
	}
	e.Status = status
	return m.writeOrReap(key, e)
}

// RemoveEntry deletes the entry if present.
func (m *MemoryStore) RemoveEntry(userID string, malID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop(entryKey{userID, malID})
	return nil
}

// GetEntry fetches one entry by its natural key.
func (m *MemoryStore) GetEntry(userID string, malID int64) (domain.AnimeEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryKey{userID, malID}]
	return e, ok, nil
}

// ListEntries returns all entries for a user in insertion order.
func (m *MemoryStore) ListEntries(userID string) ([]domain.AnimeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]domain.AnimeEntry, 0)
	for _, key := range m.order {
		if key.userID != userID {
			continue
		}
		if e, ok := m.entries[key]; ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// ReplaceGenres swaps the whole genre set.
func (m *MemoryStore) ReplaceGenres(userID string, genres []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genres[userID] = append([]string(nil), genres...)
	return nil
}

// ListGenres returns a user's genre labels.
func (m *MemoryStore) ListGenres(userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.genres[userID]...), nil
}

func (m *MemoryStore) writeOrReap(key entryKey, e domain.AnimeEntry) (domain.AnimeEntry, bool, error) {
	if !e.InList() {
		m.drop(key)
		return domain.AnimeEntry{}, false, nil
	}
	e.UpdatedAt = time.Now().UTC()
	m.entries[key] = e
	return e, true, nil
}

func (m *MemoryStore) drop(key entryKey) {
	delete(m.entries, key)
	filtered := m.order[:0]
	for _, item := range m.order {
		if item != key {
			filtered = append(filtered, item)
		}
	}
	m.order = filtered
}

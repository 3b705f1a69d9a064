package store

import (
	"time"

	"anitrack/pkg/domain"
)

// Store defines persistence operations for users, anime list entries and
// genre preferences.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	SetUserAvatar(id, avatarKey string) error

	// anime list entries
	//
	// ToggleFavorite and SetEntryStatus run the whole read-branch-write
	// sequence atomically, keyed on the (userID, malID) unique index.
	// A write that would leave an entry with no favorite flag and no
	// status deletes the row instead. Both return the confirmed state:
	// inList=false means the row is gone.
	ToggleFavorite(userID string, malID int64, title, imageURL string) (domain.AnimeEntry, bool, error)
	SetEntryStatus(userID string, malID int64, title, imageURL string, status domain.WatchStatus) (domain.AnimeEntry, bool, error)
	RemoveEntry(userID string, malID int64) error
	GetEntry(userID string, malID int64) (domain.AnimeEntry, bool, error)
	ListEntries(userID string) ([]domain.AnimeEntry, error)

	// genre preferences
	//
	// ReplaceGenres replaces the whole set in one transaction.
	ReplaceGenres(userID string, genres []string) error
	ListGenres(userID string) ([]string, error)
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// TokenRevoker tracks revoked tokens until expiry.
type TokenRevoker interface {
	Revoke(token string, ttl time.Duration) error
	IsRevoked(token string) (bool, error)
}

package domain

import (
	"strings"
	"time"
)

// WatchStatus is the watch-progress facet of a list entry.
// The empty string means "no status set".
type WatchStatus string

const (
	StatusNone     WatchStatus = ""
	StatusWatching WatchStatus = "watching"
	StatusWatched  WatchStatus = "watched"
)

// ParseWatchStatus normalizes a wire value into a WatchStatus.
// Empty, "none" and "null" all clear the status.
func ParseWatchStatus(value string) (WatchStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none", "null":
		return StatusNone, true
	case string(StatusWatching):
		return StatusWatching, true
	case string(StatusWatched):
		return StatusWatched, true
	default:
		return StatusNone, false
	}
}

type User struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	AvatarKey       string     `json:"-"`
	PasswordHash    string     `json:"-"`
	EmailVerifiedAt *time.Time `json:"emailVerifiedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// AnimeEntry is a user's relationship to one catalog item. Title and
// ImageURL are denormalized snapshots taken at first write and may drift
// from the catalog's current values.
type AnimeEntry struct {
	MalID      int64       `json:"malId"`
	Title      string      `json:"title"`
	ImageURL   string      `json:"imageUrl"`
	Status     WatchStatus `json:"status"`
	IsFavorite bool        `json:"isFavorite"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// InList reports whether the entry still carries any user state. An entry
// with no favorite flag and no status is treated as absent from the list.
func (e AnimeEntry) InList() bool {
	return e.IsFavorite || e.Status != StatusNone
}

// EntryState is the confirmed server state returned by every list
// mutation, so callers can reconcile optimistic UI against it.
type EntryState struct {
	InList bool        `json:"inList"`
	Entry  *AnimeEntry `json:"entry,omitempty"`
}

// ListSnapshot partitions a user's full entry list into the views the
// my-list page renders.
type ListSnapshot struct {
	Entries   []AnimeEntry `json:"entries"`
	Favorites []AnimeEntry `json:"favorites"`
	Watching  []AnimeEntry `json:"watching"`
	Watched   []AnimeEntry `json:"watched"`
}

// SnapshotOf builds the partitioned views from a full entry list.
func SnapshotOf(entries []AnimeEntry) ListSnapshot {
	snap := ListSnapshot{
		Entries:   entries,
		Favorites: []AnimeEntry{},
		Watching:  []AnimeEntry{},
		Watched:   []AnimeEntry{},
	}
	for _, e := range entries {
		if e.IsFavorite {
			snap.Favorites = append(snap.Favorites, e)
		}
		switch e.Status {
		case StatusWatching:
			snap.Watching = append(snap.Watching, e)
		case StatusWatched:
			snap.Watched = append(snap.Watched, e)
		}
	}
	return snap
}

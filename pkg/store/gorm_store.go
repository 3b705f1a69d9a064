package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"anitrack/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&UserModel{},
		&AccountModel{},
		&SessionModel{},
		&VerificationTokenModel{},
		&FavoriteGenreModel{},
		&UserAnimeModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "password_hash", "avatar_key"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetUserAvatar updates the stored avatar object key.
func (s *GormStore) SetUserAvatar(id, avatarKey string) error {
	return s.db.Model(&UserModel{}).Where("id = ?", id).
		Update("avatar_key", avatarKey).Error
}

// ToggleFavorite flips the favorite flag for (userID, malID), creating the
// entry when absent. The branch runs under a row lock inside one
// transaction so concurrent toggles for the same pair serialize instead of
// racing. Unfavoriting an entry with no watch status deletes the row.
func (s *GormStore) ToggleFavorite(userID string, malID int64, title, imageURL string) (domain.AnimeEntry, bool, error) {
	var (
		entry  domain.AnimeEntry
		inList bool
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		model, found, err := lockEntry(tx, userID, malID)
		if err != nil {
			return err
		}
		if !found {
			model = UserAnimeModel{
				UserID:     userID,
				MalID:      malID,
				Title:      title,
				ImageURL:   imageURL,
				IsFavorite: true,
			}
			created, err := insertIfAbsent(tx, &model)
			if err != nil {
				return err
			}
			if created {
				entry, inList = entryFromModel(model), true
				return nil
			}
			// A concurrent request inserted first; reload the winner's
			// row under lock and toggle that instead.
			if model, found, err = lockEntry(tx, userID, malID); err != nil {
				return err
			}
			if !found {
				return gorm.ErrRecordNotFound
			}
		}
		model.IsFavorite = !model.IsFavorite
		return writeOrReap(tx, model, &entry, &inList)
	})
	return entry, inList, err
}

// SetEntryStatus overwrites the watch status unconditionally, creating the
// entry when absent. Clearing the status of a non-favorite entry deletes
// the row.
func (s *GormStore) SetEntryStatus(userID string, malID int64, title, imageURL string, status domain.WatchStatus) (domain.AnimeEntry, bool, error) {
	var (
		entry  domain.AnimeEntry
		inList bool
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		model, found, err := lockEntry(tx, userID, malID)
		if err != nil {
			return err
		}
		if !found {
			if status == domain.StatusNone {
				// Nothing to create; clearing an absent entry is a no-op.
				return nil
			}
			model = UserAnimeModel{
				UserID:   userID,
				MalID:    malID,
				Title:    title,
				ImageURL: imageURL,
				Status:   statusToColumn(status),
			}
			created, err := insertIfAbsent(tx, &model)
			if err != nil {
				return err
			}
			if created {
				entry, inList = entryFromModel(model), true
				return nil
			}
			if model, found, err = lockEntry(tx, userID, malID); err != nil {
				return err
			}
			if !found {
				return gorm.ErrRecordNotFound
			}
		}
		model.Status = statusToColumn(status)
		return writeOrReap(tx, model, &entry, &inList)
	})
	return entry, inList, err
}

// RemoveEntry deletes the entry if present; absent is a no-op.
func (s *GormStore) RemoveEntry(userID string, malID int64) error {
	return s.db.Where("user_id = ? AND mal_id = ?", userID, malID).
		Delete(&UserAnimeModel{}).Error
}

// GetEntry fetches one entry by its natural key.
func (s *GormStore) GetEntry(userID string, malID int64) (domain.AnimeEntry, bool, error) {
	var model UserAnimeModel
	err := s.db.Where("user_id = ? AND mal_id = ?", userID, malID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AnimeEntry{}, false, nil
		}
		return domain.AnimeEntry{}, false, err
	}
	return entryFromModel(model), true, nil
}

// ListEntries returns all entries for a user ordered by creation time.
func (s *GormStore) ListEntries(userID string) ([]domain.AnimeEntry, error) {
	var models []UserAnimeModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.AnimeEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, entryFromModel(m))
	}
	return entries, nil
}

// ReplaceGenres swaps the whole genre set in one transaction so readers
// never observe the transiently empty set.
func (s *GormStore) ReplaceGenres(userID string, genres []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&FavoriteGenreModel{}, "user_id = ?", userID).Error; err != nil {
			return err
		}
		if len(genres) == 0 {
			return nil
		}
		models := make([]FavoriteGenreModel, 0, len(genres))
		for _, g := range genres {
			models = append(models, FavoriteGenreModel{UserID: userID, Genre: g})
		}
		return tx.Create(&models).Error
	})
}

// ListGenres returns a user's genre labels in insertion order.
func (s *GormStore) ListGenres(userID string) ([]string, error) {
	var models []FavoriteGenreModel
	if err := s.db.Where("user_id = ?", userID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	genres := make([]string, 0, len(models))
	for _, m := range models {
		genres = append(genres, m.Genre)
	}
	return genres, nil
}

// insertIfAbsent creates the row unless the (user_id, mal_id) key already
// exists, reporting whether this call won the insert. Losing means a
// concurrent transaction committed the row first.
func insertIfAbsent(tx *gorm.DB, model *UserAnimeModel) (bool, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "mal_id"}},
		DoNothing: true,
	}).Create(model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func lockEntry(tx *gorm.DB, userID string, malID int64) (UserAnimeModel, bool, error) {
	var model UserAnimeModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND mal_id = ?", userID, malID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserAnimeModel{}, false, nil
		}
		return UserAnimeModel{}, false, err
	}
	return model, true, nil
}

// writeOrReap persists the mutated model, or deletes it when it no longer
// carries any user state.
func writeOrReap(tx *gorm.DB, model UserAnimeModel, entry *domain.AnimeEntry, inList *bool) error {
	if !model.IsFavorite && model.Status == nil {
		if err := tx.Delete(&UserAnimeModel{}, "id = ?", model.ID).Error; err != nil {
			return err
		}
		*entry, *inList = domain.AnimeEntry{}, false
		return nil
	}
	model.UpdatedAt = time.Now().UTC()
	if err := tx.Save(&model).Error; err != nil {
		return err
	}
	*entry, *inList = entryFromModel(model), true
	return nil
}

func statusToColumn(status domain.WatchStatus) *string {
	if status == domain.StatusNone {
		return nil
	}
	value := string(status)
	return &value
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:              u.ID,
		Name:            u.Name,
		Email:           u.Email,
		EmailVerifiedAt: u.EmailVerifiedAt,
		AvatarKey:       u.AvatarKey,
		PasswordHash:    u.PasswordHash,
		CreatedAt:       u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:              m.ID,
		Name:            m.Name,
		Email:           m.Email,
		EmailVerifiedAt: m.EmailVerifiedAt,
		AvatarKey:       m.AvatarKey,
		PasswordHash:    m.PasswordHash,
		CreatedAt:       m.CreatedAt,
	}
}

func entryFromModel(m UserAnimeModel) domain.AnimeEntry {
	status := domain.StatusNone
	if m.Status != nil {
		status = domain.WatchStatus(*m.Status)
	}
	return domain.AnimeEntry{
		MalID:      m.MalID,
		Title:      m.Title,
		ImageURL:   m.ImageURL,
		Status:     status,
		IsFavorite: m.IsFavorite,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID              string `gorm:"primaryKey"`
	Name            string `gorm:"size:255;not null"`
	Email           string `gorm:"size:255;uniqueIndex;not null"`
	EmailVerifiedAt *time.Time
	AvatarKey       string
	PasswordHash    string
	CreatedAt       time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

// AccountModel, SessionModel and VerificationTokenModel mirror the tables
// owned by the external auth collaborator. They are migrated here for
// schema parity; core code never reads them.
type AccountModel struct {
	ID                string `gorm:"primaryKey"`
	UserID            string `gorm:"not null;index"`
	Type              string `gorm:"size:255;not null"`
	Provider          string `gorm:"size:255;not null"`
	ProviderAccountID string `gorm:"size:255;not null"`
	TokenPayload      datatypes.JSON
	User              UserModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (AccountModel) TableName() string { return "accounts" }

type SessionModel struct {
	ID           string    `gorm:"primaryKey"`
	SessionToken string    `gorm:"size:255;uniqueIndex;not null"`
	UserID       string    `gorm:"not null;index"`
	Expires      time.Time `gorm:"not null"`
	User         UserModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (SessionModel) TableName() string { return "sessions" }

type VerificationTokenModel struct {
	Identifier string    `gorm:"size:255;not null"`
	Token      string    `gorm:"size:255;uniqueIndex;not null"`
	Expires    time.Time `gorm:"not null"`
}

func (VerificationTokenModel) TableName() string { return "verification_tokens" }

type FavoriteGenreModel struct {
	ID     uint      `gorm:"primaryKey;autoIncrement"`
	UserID string    `gorm:"not null;index"`
	Genre  string    `gorm:"size:100;not null"`
	User   UserModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (FavoriteGenreModel) TableName() string { return "favorite_genres" }

type UserAnimeModel struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	UserID     string    `gorm:"not null;uniqueIndex:user_anime_unique"`
	MalID      int64     `gorm:"not null;uniqueIndex:user_anime_unique"`
	Title      string    `gorm:"size:500;not null"`
	ImageURL   string    `gorm:"column:image_url"`
	Status     *string   `gorm:"size:20"`
	IsFavorite bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
	User       UserModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (UserAnimeModel) TableName() string { return "user_anime" }

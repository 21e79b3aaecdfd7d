package teammate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnknownUser is returned when no user row exists for an id.
var ErrUnknownUser = errors.New("teammate: unknown user")

type User struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DisplayName string `gorm:"type:varchar(128);not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (User) TableName() string { return "users" }

// UserTeammate overrides catalog availability for one user. A teammate without a
// row is available whenever the catalog enables it.
type UserTeammate struct {
	UserID      uint64 `gorm:"primaryKey"`
	TeammateKey string `gorm:"primaryKey;type:varchar(64)"`
	Enabled     bool   `gorm:"not null"`
	UpdatedAt   time.Time
}

func (UserTeammate) TableName() string { return "user_teammates" }

// UserContext is what a turn needs to know about its owner.
type UserContext struct {
	UserID           uint64
	DisplayName      string
	EnabledTeammates []string
}

func (u *UserContext) IsEnabled(key string) bool {
	for _, k := range u.EnabledTeammates {
		if k == key {
			return true
		}
	}
	return false
}

// AutoMigrate creates the directory tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &UserTeammate{})
}

type Directory struct {
	db      *gorm.DB
	catalog *Catalog
}

func NewDirectory(db *gorm.DB, catalog *Catalog) *Directory {
	return &Directory{db: db, catalog: catalog}
}

func (d *Directory) Catalog() *Catalog { return d.catalog }

// Resolve loads the user and the teammates available to them.
func (d *Directory) Resolve(ctx context.Context, userID uint64) (*UserContext, error) {
	var u User
	if err := d.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownUser, userID)
		}
		return nil, err
	}

	var overrides []UserTeammate
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).Find(&overrides).Error; err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(overrides))
	for _, o := range overrides {
		enabled[o.TeammateKey] = o.Enabled
	}

	uc := &UserContext{UserID: u.ID, DisplayName: u.DisplayName}
	for _, key := range d.catalog.Keys() {
		t, _ := d.catalog.Get(key)
		if t.Disabled {
			continue
		}
		if on, ok := enabled[key]; ok && !on {
			continue
		}
		uc.EnabledTeammates = append(uc.EnabledTeammates, key)
	}
	return uc, nil
}

// SetEnabled turns a teammate on or off for one user.
func (d *Directory) SetEnabled(ctx context.Context, userID uint64, key string, on bool) error {
	if _, ok := d.catalog.Get(key); !ok {
		return fmt.Errorf("teammate: unknown teammate %q", key)
	}
	row := UserTeammate{UserID: userID, TeammateKey: key, Enabled: on}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "teammate_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Create(&row).Error
}

// EnsureUser creates the user row if it is missing.
func (d *Directory) EnsureUser(ctx context.Context, userID uint64, displayName string) error {
	u := User{ID: userID, DisplayName: displayName}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&u).Error
}

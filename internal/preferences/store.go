package preferences

import (
	"context"
	"errors"

	"github.com/eleven-am/companion-backend/internal/shared"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&ChannelPreference{})
}

func (s *Store) Get(ctx context.Context, userID string) (*ChannelPreference, error) {
	var p ChannelPreference
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Lookup is Get with the defaults filled in for users that never saved
// anything. Anonymous callers always get the defaults.
func (s *Store) Lookup(ctx context.Context, userID string) (*ChannelPreference, error) {
	if userID == "" {
		return Default(userID), nil
	}
	p, err := s.Get(ctx, userID)
	if errors.Is(err, shared.ErrNotFound) {
		return Default(userID), nil
	}
	return p, err
}

func (s *Store) Save(ctx context.Context, p *ChannelPreference) error {
	if p.UserID == "" {
		return shared.ErrBadRequest
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text_enabled", "live2d_enabled", "speaker_id", "speech_speed", "audio_format", "updated_at"}),
	}).Create(p).Error
}

func (s *Store) Update(ctx context.Context, userID string, req UpdateRequest) (*ChannelPreference, error) {
	p, err := s.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	req.Apply(p)
	if err := s.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&ChannelPreference{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

package repositories

import (
	"context"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserRepository struct {
	*BaseRepository[models.User]
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{
		BaseRepository: NewBaseRepository[models.User](db),
	}
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.DB().WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindRoleIDs returns the caller's role memberships.
func (r *UserRepository) FindRoleIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.DB().WithContext(ctx).Model(&models.UserRole{}).
		Where("user_id = ?", userID).
		Pluck("role_id", &ids).Error
	return ids, err
}

type CLISessionRepository struct {
	*BaseRepository[models.CLISession]
}

func NewCLISessionRepository(db *gorm.DB) *CLISessionRepository {
	return &CLISessionRepository{
		BaseRepository: NewBaseRepository[models.CLISession](db),
	}
}

func (r *CLISessionRepository) Touch(ctx context.Context, sessionID uuid.UUID) error {
	return r.DB().WithContext(ctx).Model(&models.CLISession{}).
		Where("id = ?", sessionID).
		Update("last_seen_at", time.Now().UTC()).Error
}

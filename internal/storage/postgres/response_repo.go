package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/crucible/internal/domain"
)

// ResponseRepository implements gateway.ResponseStore with GORM.
// Responses are stored as JSON blobs keyed by idempotency key.
type ResponseRepository struct {
	db *gorm.DB
}

// NewResponseRepository creates a ResponseRepository.
func NewResponseRepository(db *gorm.DB) *ResponseRepository {
	return &ResponseRepository{db: db}
}

func (r *ResponseRepository) GetResponse(ctx context.Context, key string, now time.Time) (*domain.AIResponse, error) {
	var m ResponseModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, now).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: response %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("getting response: %w", err)
	}
	var resp domain.AIResponse
	if err := json.Unmarshal(m.Body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response %s: %w", key, err)
	}
	return &resp, nil
}

// PutResponse upserts the response under key.
func (r *ResponseRepository) PutResponse(ctx context.Context, key string, resp *domain.AIResponse, expiresAt time.Time) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	m := ResponseModel{IdempotencyKey: key, Body: body, CreatedAt: time.Now().UTC(), ExpiresAt: expiresAt}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "expires_at"}),
		}).
		Create(&m).Error; err != nil {
		return fmt.Errorf("storing response: %w", err)
	}
	return nil
}

func (r *ResponseRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&ResponseModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging responses: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

package models

import (
	"context"
	"errors"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/google/uuid"
)

type Business struct {
	ID          uuid.UUID `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	ContactName string    `gorm:"size:100" json:"contact_name"`
	Email       string    `gorm:"size:255" json:"email"`
	Timezone    string    `gorm:"size:50" json:"timezone"`
	IsActive    *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name        string `json:"name" binding:"required"`
	ContactName string `json:"contact_name"`
	Email       string `json:"email" binding:"required"`
	Timezone    string `json:"timezone"`
}

func (business *Business) StoreRedis() error {
	return config.SetRedisObject("Business:"+business.ID.String(), business, 0)
}

func (business *Business) RemoveRedis() error {
	return config.RemoveRedisKey("Business:" + business.ID.String())
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	// only admin have access
	if err := utils.ValidateUnique[Business](ctx, "", "name", input.Name, 0); err != nil {
		return nil, err
	}

	db := config.GetDB()

	timezone := "Europe/Lisbon"
	if input.Timezone != "" {
		timezone = input.Timezone
	}

	business := Business{
		ID:          uuid.New(),
		Name:        input.Name,
		ContactName: input.ContactName,
		Email:       input.Email,
		Timezone:    timezone,
		IsActive:    utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	return &business, nil
}

func GetBusinessById(ctx context.Context, id string) (*Business, error) {

	var result Business

	exists, err := config.GetRedisObject("Business:"+id, &result)
	if err != nil {
		return nil, err
	}

	if !exists {
		db := config.GetDB()
		// db query
		err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		// caching
		if err := result.StoreRedis(); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

func GetBusiness(ctx context.Context) (*Business, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return GetBusinessById(ctx, businessId)
}

func ToggleActiveBusiness(ctx context.Context, id uuid.UUID, isActive bool) (*Business, error) {

	db := config.GetDB()
	var result Business

	// check exists
	err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	// db action
	tx := db.Begin()
	err = tx.WithContext(ctx).Model(&result).Updates(map[string]interface{}{
		"IsActive": isActive,
	}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// toggling related users
	err = tx.WithContext(ctx).Model(&User{}).Where("business_id = ?", id).Updates(map[string]interface{}{
		"IsActive": isActive,
	}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// caching
	if err := result.RemoveRedis(); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &result, tx.Commit().Error
}

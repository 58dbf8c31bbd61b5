// seed-admin creates or updates the admin console user for a business,
// creating the business itself when the database is empty.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
//
// SEED_ADMIN_USERNAME / SEED_ADMIN_PASSWORD override the defaults.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/models"
	"github.com/cardiva/cardiva_backend/utils"
	"gorm.io/gorm"
)

const (
	defaultAdminUsername = "cardivaAdmin"
	defaultAdminName     = "Cardiva Admin"
	defaultBusinessName  = "Cardiva"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	adminUsername := os.Getenv("SEED_ADMIN_USERNAME")
	if adminUsername == "" {
		adminUsername = defaultAdminUsername
	}
	adminPassword := os.Getenv("SEED_ADMIN_PASSWORD")
	if adminPassword == "" {
		fmt.Fprintln(os.Stderr, "SEED_ADMIN_PASSWORD is required")
		os.Exit(1)
	}

	// Tenant-scoped writes need business/user info in context.
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetUsernameInContext(ctx, adminUsername)
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	var biz models.Business
	err := db.WithContext(ctx).Model(&models.Business{}).First(&biz).Error
	if err == gorm.ErrRecordNotFound {
		created, createErr := models.CreateBusiness(ctx, &models.NewBusiness{
			Name:     defaultBusinessName,
			Email:    "admin@cardiva.pt",
			Timezone: "Europe/Lisbon",
		})
		if createErr != nil {
			fmt.Fprintf(os.Stderr, "failed to create business: %v\n", createErr)
			os.Exit(1)
		}
		biz = *created
		fmt.Printf("Created business %q (%s)\n", biz.Name, biz.ID)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup business: %v\n", err)
		os.Exit(1)
	}

	businessID := biz.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)

	hashed, err := utils.HashPassword(adminPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	hashedStr := string(hashed)

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u := models.User{
			Username:   adminUsername,
			Name:       defaultAdminName,
			Password:   hashedStr,
			IsActive:   utils.NewTrue(),
			Role:       models.UserRoleAdmin,
			BusinessId: businessID,
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user: username=%q (role=Admin)\n", adminUsername)
		return
	}

	if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).Updates(map[string]any{
		"password":    hashedStr,
		"name":        defaultAdminName,
		"is_active":   utils.NewTrue(),
		"business_id": businessID,
		"role":        models.UserRoleAdmin,
	}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
		os.Exit(1)
	}
	_ = existing.RemoveInstanceRedis()
	fmt.Printf("Updated admin user: username=%q (role=Admin)\n", adminUsername)
}

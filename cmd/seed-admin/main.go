// seed-admin creates or updates the admin console user and the default
// pro-rata discount slabs for a business.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... BUSINESS_ID=... go run ./cmd/seed-admin
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/models"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	adminUsername = "batteryAdmin"
	adminPassword = "B@tteryAdmin"
	adminName     = "Battery Admin"
)

// Default slab ladder: replacements just past the guarantee get a deep
// discount, tapering off toward the end of the pro-rata band.
type slabSeed struct {
	minMonths int
	maxMonths *int
	percent   int64
}

func intPtr(v int) *int { return &v }

var defaultSlabs = []slabSeed{
	{minMonths: 0, maxMonths: intPtr(6), percent: 10},
	{minMonths: 7, maxMonths: intPtr(12), percent: 20},
	{minMonths: 13, maxMonths: nil, percent: 30},
}

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	businessID := os.Getenv("BUSINESS_ID")
	if businessID == "" {
		fmt.Fprintln(os.Stderr, "BUSINESS_ID env var is required.")
		os.Exit(2)
	}

	ctx = utils.SetBusinessIdInContext(ctx, businessID)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetUsernameInContext(ctx, adminUsername)
	ctx = utils.SetIsAdminInContext(ctx, true)

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
			Name:       adminName,
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
	} else {
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).Updates(map[string]any{
			"password":    hashedStr,
			"name":        adminName,
			"is_active":   utils.NewTrue(),
			"business_id": businessID,
			"role":        models.UserRoleAdmin,
		}).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
			os.Exit(1)
		}
		_ = config.RemoveRedisKey("User:" + adminUsername)
		fmt.Printf("Updated admin user: username=%q (role=Admin)\n", adminUsername)
	}

	seedDefaultSlabs(ctx, db, businessID)
}

func seedDefaultSlabs(ctx context.Context, db *gorm.DB, businessID string) {
	var count int64
	if err := db.WithContext(ctx).Model(&models.WarrantySlab{}).
		Where("business_id = ?", businessID).Count(&count).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to count warranty slabs: %v\n", err)
		os.Exit(1)
	}
	if count > 0 {
		fmt.Printf("Warranty slabs already present for business %q; skipping slab seed.\n", businessID)
		return
	}

	for _, seed := range defaultSlabs {
		slab := models.WarrantySlab{
			BusinessId:      businessID,
			MinMonths:       seed.minMonths,
			MaxMonths:       seed.maxMonths,
			DiscountPercent: decimal.NewFromInt(seed.percent),
			IsActive:        utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(&slab).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create warranty slab: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("Seeded %d default warranty slabs for business %q.\n", len(defaultSlabs), businessID)
}

package models

import (
	"log"

	"bitbucket.org/mmdatafocus/battery_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Customer{},
		&Product{}, &StockUnit{},
		&SaleOrder{}, &SaleOrderDetail{},
		&WarrantySlab{}, &ReplacementRecord{},
		&NotificationRecord{}, &IdempotencyKey{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

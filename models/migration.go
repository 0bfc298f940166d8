package models

import (
	"log"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) {
	err := db.AutoMigrate(
		&EntityMapping{},
		&SyncRun{},
		&SyncLog{},
		&SyncAuditLog{},
		&SalonClient{}, &SalonStaff{}, &SalonProduct{}, &SalonAppointment{}, &LoyaltyBalance{},
		&User{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

package models

import (
	"log"

	"github.com/cardiva/cardiva_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{},
		&RFPUploadJob{}, &InventoryUploadJob{},
		&RFPItem{}, &MatchSuggestion{},
		&Artigo{},
		&ChangeEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

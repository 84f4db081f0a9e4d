package models

import (
	"log"

	"github.com/yungusdotcom/thrive-dashboard/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&RebuildRun{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

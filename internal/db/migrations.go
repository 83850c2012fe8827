package db

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateLegacySchema renames the first deployment's gps_coordinates table to
// position_reports. Columns already match; AutoMigrate adds the missing index.
// Safe to run on every start.
func MigrateLegacySchema(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	m := db.Migrator()
	dialect := db.Dialector.Name()

	if m.HasTable("gps_coordinates") && !m.HasTable("position_reports") {
		if err := m.RenameTable("gps_coordinates", "position_reports"); err != nil {
			var e error
			switch dialect {
			case "mysql":
				e = db.Exec("RENAME TABLE `gps_coordinates` TO `position_reports`").Error
			case "postgres":
				e = db.Exec(`ALTER TABLE "gps_coordinates" RENAME TO "position_reports"`).Error
			case "sqlite":
				e = db.Exec(`ALTER TABLE gps_coordinates RENAME TO position_reports`).Error
			default:
				e = err
			}
			if e != nil {
				return fmt.Errorf("rename gps_coordinates -> position_reports: %w", e)
			}
		}
	}

	return nil
}

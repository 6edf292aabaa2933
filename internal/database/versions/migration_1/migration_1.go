package migration_1

import (
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobRun struct {
	Result datatypes.JSON
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&JobRun{}, "Result"); err != nil {
		return fmt.Errorf("error adding Result column: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&JobRun{}, "Result"); err != nil {
		return fmt.Errorf("error dropping Result column: %w", err)
	}
	return nil
}

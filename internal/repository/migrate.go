package repository

import (
	"fmt"

	"gorm.io/gorm"

	"promptly/internal/model"
)

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.User{}, &model.Session{}, &model.Node{}, &model.AuditEvent{}, &model.ContextFile{}); err != nil {
		return fmt.Errorf("auto migrate tables failed: %w", err)
	}
	return nil
}

package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/relay-engine/internal/repository"
)

func createMessageAttachmentsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_message_attachments",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AttachmentModel{}); err != nil {
				return err
			}
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_message_attachments_message_id ON message_attachments (message_id)`,
				`ALTER TABLE message_attachments DROP CONSTRAINT IF EXISTS fk_messages_attachments`,
				`ALTER TABLE message_attachments ADD CONSTRAINT fk_messages_attachments FOREIGN KEY (message_id) REFERENCES messages (id) ON DELETE CASCADE`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AttachmentModel{})
		},
	}
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/storage"
	"github.com/ledgerline/backend/pkg/logger"
	"gorm.io/gorm"
)

type AuditEntry struct {
	UserID       *uuid.UUID
	TenantID     *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Details      map[string]interface{}
	IPAddress    string
	RequestID    string
}

// AuditService records actions best-effort: a full queue drops the entry
// with a warning, an insert failure is logged and swallowed. Audit writes
// never block or fail the primary request.
type AuditService struct {
	DB      *gorm.DB
	Storage *storage.MinIOClient
	queue   chan models.AuditLog
}

func NewAuditService(db *gorm.DB, storageClient *storage.MinIOClient) *AuditService {
	s := &AuditService{
		DB:      db,
		Storage: storageClient,
		queue:   make(chan models.AuditLog, 1000),
	}
	go s.processQueue()
	return s
}

func (s *AuditService) LogAsync(entry AuditEntry) {
	row := models.AuditLog{
		UserID:       entry.UserID,
		TenantID:     entry.TenantID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      entry.Details,
		IPAddress:    entry.IPAddress,
		RequestID:    entry.RequestID,
		CreatedAt:    time.Now().UTC(),
	}

	select {
	case s.queue <- row:
	default:
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action":  entry.Action,
			"dropped": true,
		})
	}
}

func (s *AuditService) processQueue() {
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_log_insert_failed", err, map[string]interface{}{
				"action": row.Action,
			})
		}
	}
}

// StartExporter runs a background goroutine that periodically exports new
// audit log rows to object storage as NDJSON files.
func (s *AuditService) StartExporter(interval time.Duration) {
	if s.Storage == nil {
		logger.Info("audit_exporter_disabled", map[string]interface{}{
			"reason": "no storage client configured",
		})
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			s.export()
		}
	}()

	logger.Info("audit_exporter_started", map[string]interface{}{
		"interval": interval.String(),
	})
}

func (s *AuditService) export() {
	var cursor models.AuditExportCursor
	err := s.DB.First(&cursor).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			cursor = models.AuditExportCursor{
				LastExportAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			if createErr := s.DB.Create(&cursor).Error; createErr != nil {
				logger.Error("audit_export_cursor_create_failed", createErr, nil)
				return
			}
		} else {
			logger.Error("audit_export_cursor_load_failed", err, nil)
			return
		}
	}

	var logs []models.AuditLog
	if err := s.DB.Where("created_at > ?", cursor.LastExportAt).
		Order("created_at ASC").
		Limit(10000).
		Find(&logs).Error; err != nil {
		logger.Error("audit_export_query_failed", err, nil)
		return
	}

	if len(logs) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range logs {
		if err := enc.Encode(row); err != nil {
			logger.Error("audit_export_encode_failed", err, map[string]interface{}{
				"log_id": row.ID.String(),
			})
			continue
		}
	}

	now := time.Now().UTC()
	objectName := fmt.Sprintf("audit-logs/%s/%s.ndjson",
		now.Format("2006/01/02"),
		now.Format("15-04-05"),
	)

	if err := s.Storage.Upload(
		context.Background(),
		objectName,
		&buf,
		int64(buf.Len()),
		"application/x-ndjson",
	); err != nil {
		logger.Error("audit_export_upload_failed", err, map[string]interface{}{
			"object_name": objectName,
			"count":       len(logs),
		})
		return
	}

	lastCreatedAt := logs[len(logs)-1].CreatedAt
	s.DB.Model(&cursor).Updates(map[string]interface{}{
		"last_export_at": lastCreatedAt,
		"exported_count": gorm.Expr("exported_count + ?", len(logs)),
	})

	logger.Info("audit_export_success", map[string]interface{}{
		"object_name": objectName,
		"count":       len(logs),
	})
}

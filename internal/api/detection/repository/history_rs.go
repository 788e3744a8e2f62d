package detectionRepository

import (
	"DetectionAPI/internal/entity"
	contextPkg "DetectionAPI/pkg/context"
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type DetectionRecordDB struct {
	ID              sql.NullString `db:"id"`
	ModelKey        sql.NullString `db:"model_key"`
	Filename        sql.NullString `db:"filename"`
	ImageSHA256     sql.NullString `db:"image_sha256"`
	TotalDetections sql.NullInt64  `db:"total_detections"`
	LatencyMs       sql.NullInt64  `db:"latency_ms"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r *historyRepository) CreateRecord(c context.Context, record entity.DetectionRecord) error {
	requestID := contextPkg.GetRequestID(c)
	argsKV := map[string]interface{}{
		"id":               record.ID,
		"model_key":        record.ModelKey,
		"filename":         record.Filename,
		"image_sha256":     record.ImageSHA256,
		"total_detections": record.TotalDetections,
		"latency_ms":       record.LatencyMs,
		"created_at":       record.CreatedAt,
	}

	query, args, err := sqlx.Named(queryCreateRecord, argsKV)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to build SQL query for CreateRecord")
		return err
	}
	query = r.q.Rebind(query)

	if _, err = r.q.ExecContext(c, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Database error when recording detection")
		return err
	}

	return nil
}

func (r *historyRepository) GetRecentByModel(c context.Context, modelKey string, limit int) ([]entity.DetectionRecord, error) {
	requestID := contextPkg.GetRequestID(c)
	argsKV := map[string]interface{}{
		"model_key": modelKey,
		"limit":     limit,
	}

	query, args, err := sqlx.Named(queryGetRecentByModel, argsKV)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("GetRecentByModel named query preparation err")
		return nil, err
	}
	query = r.q.Rebind(query)

	var rows []DetectionRecordDB
	if err := r.q.SelectContext(c, &rows, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Database error when listing detections")
		return nil, err
	}

	records := make([]entity.DetectionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toEntity())
	}
	return records, nil
}

func (d DetectionRecordDB) toEntity() entity.DetectionRecord {
	return entity.DetectionRecord{
		ID:              d.ID.String,
		ModelKey:        d.ModelKey.String,
		Filename:        d.Filename.String,
		ImageSHA256:     d.ImageSHA256.String,
		TotalDetections: int(d.TotalDetections.Int64),
		LatencyMs:       d.LatencyMs.Int64,
		CreatedAt:       d.CreatedAt,
	}
}

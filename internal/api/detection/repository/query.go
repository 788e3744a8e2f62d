package detectionRepository

const (
	queryCreateHistoryTable = `
		CREATE TABLE IF NOT EXISTS detection_history (
			id VARCHAR(26) PRIMARY KEY,
			model_key VARCHAR(64) NOT NULL,
			filename TEXT NOT NULL,
			image_sha256 CHAR(64) NOT NULL,
			total_detections INTEGER NOT NULL,
			latency_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`

	queryCreateRecord = `
		INSERT INTO detection_history (
			id,
			model_key,
			filename,
			image_sha256,
			total_detections,
			latency_ms,
			created_at
		) VALUES (
			:id,
			:model_key,
			:filename,
			:image_sha256,
			:total_detections,
			:latency_ms,
			:created_at
		)
	`

	queryGetRecentByModel = `
		SELECT
			id,
			model_key,
			filename,
			image_sha256,
			total_detections,
			latency_ms,
			created_at
		FROM detection_history
		WHERE model_key = :model_key
		ORDER BY created_at DESC
		LIMIT :limit
	`
)

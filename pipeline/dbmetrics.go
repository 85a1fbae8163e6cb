package pipeline

import (
	"database/sql"
	"time"

	"github.com/civiccaption/flexcore/config"
)

// SendDBMetrics inserts a denormalized row for a completed pipeline run
// into the optional Postgres reporting sink. Reporting is best-effort: the
// caller logs and moves on if the insert fails, and a nil db disables the
// sink entirely.
func SendDBMetrics(db *sql.DB, run Run, startedAt time.Time) error {
	if db == nil {
		return nil
	}

	showID := sql.NullInt64{}
	if run.CablecastShowID != nil {
		showID = sql.NullInt64{Int64: int64(*run.CablecastShowID), Valid: true}
	}
	vodID := sql.NullInt64{}
	if run.CablecastVODID != nil {
		vodID = sql.NullInt64{Int64: int64(*run.CablecastVODID), Valid: true}
	}

	now := config.Clock.GetTime()
	insertDynStmt := `insert into "vod_caption_completed"(
                            "finished_at",
                            "started_at",
                            "run_id",
                            "job_id",
                            "fingerprint",
                            "volume_id",
                            "source_path",
                            "source_bytes",
                            "stage",
                            "needs_review",
                            "cablecast_show_id",
                            "cablecast_vod_id",
                            "job_duration_ms"
                            ) values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := db.Exec(
		insertDynStmt,
		now.Unix(),
		startedAt.Unix(),
		run.RunID,
		run.JobID,
		run.Fingerprint,
		run.Recording.VolumeID,
		run.Recording.AbsolutePath,
		run.Recording.SizeBytes,
		string(run.Stage),
		run.NeedsReview,
		showID,
		vodID,
		now.Sub(startedAt).Milliseconds(),
	)
	return err
}

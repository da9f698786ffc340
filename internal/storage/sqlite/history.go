package sqlite

import (
	"database/sql"
	"time"
)

const consecutiveFailuresCounter = "consecutive_failures"

// RecordQualitySample stores one completed job's final score in the rolling
// quality history.
func (s *Store) RecordQualitySample(jobID, provider string, score, confidence float64) error {
	_, err := s.db.Exec(
		`INSERT INTO quality_history (job_id, provider, score, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, provider, score, confidence,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return storeErr("record quality sample", err)
	}
	return nil
}

// RecentScores returns up to limit of the most recent quality scores,
// oldest first.
func (s *Store) RecentScores(limit int) ([]float64, error) {
	rows, err := s.db.Query(
		`SELECT score FROM (
			SELECT score, created_at, id FROM quality_history
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, limit)
	if err != nil {
		return nil, storeErr("recent scores", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return nil, storeErr("recent scores", err)
		}
		scores = append(scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("recent scores", err)
	}
	return scores, nil
}

// ConsecutiveFailures returns the system-wide run of transcription failures
// since the last success.
func (s *Store) ConsecutiveFailures() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT value FROM system_counters WHERE name = ?`,
		consecutiveFailuresCounter).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("consecutive failures", err)
	}
	return n, nil
}

// IncrementConsecutiveFailures bumps the failure run counter.
func (s *Store) IncrementConsecutiveFailures() error {
	_, err := s.db.Exec(
		`INSERT INTO system_counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1`,
		consecutiveFailuresCounter)
	if err != nil {
		return storeErr("increment consecutive failures", err)
	}
	return nil
}

// ResetConsecutiveFailures clears the failure run counter after a success.
func (s *Store) ResetConsecutiveFailures() error {
	_, err := s.db.Exec(
		`INSERT INTO system_counters (name, value) VALUES (?, 0)
		ON CONFLICT(name) DO UPDATE SET value = 0`,
		consecutiveFailuresCounter)
	if err != nil {
		return storeErr("reset consecutive failures", err)
	}
	return nil
}

package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrJobNotFound is returned when a job ID does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when a status change is not allowed from
// the job's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Job is a transcription job record.
type Job struct {
	ID                string     `json:"id"`
	Source            string     `json:"source"`
	CaseID            string     `json:"case_id,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	Status            string     `json:"status"`
	Transcript        string     `json:"transcript,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	QualityScore      float64    `json:"quality_score"`
	QualityConfidence float64    `json:"quality_confidence"`
	Escalated         bool       `json:"escalated"`
	EscalationReasons []string   `json:"escalation_reasons,omitempty"`
	Retries           int        `json:"retries"`
	SegmentsTotal     int        `json:"segments_total"`
	SegmentsDone      int        `json:"segments_done"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// allowedTransitions lists the legal status edges. Completed is terminal;
// failed can only go back to pending via a reset.
var allowedTransitions = map[string][]string{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
	StatusFailed:     {StatusPending},
}

func transitionAllowed(from, to string) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CreateJob inserts a new pending job. caseID and displayName are optional
// metadata from the submitting system.
func (s *Store) CreateJob(id, source, caseID, displayName string) (*Job, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO jobs (id, source, case_id, display_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, source, caseID, displayName, StatusPending,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, storeErr("create job", err)
	}
	return &Job{
		ID:          id,
		Source:      source,
		CaseID:      caseID,
		DisplayName: displayName,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, source, case_id, display_name, status, transcript, provider, quality_score,
			quality_confidence, escalated, escalation_reasons, retries,
			segments_total, segments_done, last_error,
			created_at, updated_at, completed_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		job         Job
		caseID      sql.NullString
		displayName sql.NullString
		transcript  sql.NullString
		provider    sql.NullString
		score       sql.NullFloat64
		confidence  sql.NullFloat64
		reasons     sql.NullString
		lastError   sql.NullString
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&job.ID, &job.Source, &caseID, &displayName, &job.Status,
		&transcript, &provider,
		&score, &confidence, &job.Escalated, &reasons, &job.Retries,
		&job.SegmentsTotal, &job.SegmentsDone, &lastError,
		&createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}

	job.CaseID = caseID.String
	job.DisplayName = displayName.String
	job.Transcript = transcript.String
	job.Provider = provider.String
	job.QualityScore = score.Float64
	job.QualityConfidence = confidence.Float64
	job.LastError = lastError.String
	if reasons.String != "" {
		job.EscalationReasons = strings.Split(reasons.String, "\n")
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if completedAt.Valid && completedAt.String != "" {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

// Transition moves a job to a new status, enforcing the legal edges.
func (s *Store) Transition(id, to string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if !transitionAllowed(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var res sql.Result
	if to == StatusCompleted {
		res, err = s.db.Exec(
			`UPDATE jobs SET status = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`,
			to, now, now, id, job.Status)
	} else {
		res, err = s.db.Exec(
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, now, id, job.Status)
	}
	if err != nil {
		return storeErr("transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("transition", err)
	}
	if n == 0 {
		// Status changed under us between read and write.
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (s *Store) IncrementRetry(id string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`UPDATE jobs SET retries = retries + 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return 0, storeErr("increment retry", err)
	}
	var retries int
	if err := s.db.QueryRow(`SELECT retries FROM jobs WHERE id = ?`, id).Scan(&retries); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrJobNotFound
		}
		return 0, storeErr("increment retry", err)
	}
	return retries, nil
}

// ResetJob moves a failed job back to pending and clears its retry counter,
// transcript and error state.
func (s *Store) ResetJob(id string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusPending)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(
		`UPDATE jobs SET status = ?, retries = 0, transcript = NULL, provider = NULL,
			quality_score = NULL, quality_confidence = NULL, escalated = 0,
			escalation_reasons = NULL, segments_done = 0, last_error = NULL,
			updated_at = ? WHERE id = ?`,
		StatusPending, now, id)
	if err != nil {
		return storeErr("reset job", err)
	}
	return nil
}

// SetResult records the final transcript and quality verdict for a job.
func (s *Store) SetResult(id, transcript, provider string, score, confidence float64, escalated bool, reasons []string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`UPDATE jobs SET transcript = ?, provider = ?, quality_score = ?,
			quality_confidence = ?, escalated = ?, escalation_reasons = ?, updated_at = ?
		WHERE id = ?`,
		transcript, provider, score, confidence, escalated, strings.Join(reasons, "\n"), now, id)
	if err != nil {
		return storeErr("set result", err)
	}
	return nil
}

// SetLastError records the most recent failure for a job.
func (s *Store) SetLastError(id, message string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`UPDATE jobs SET last_error = ?, updated_at = ? WHERE id = ?`, message, now, id)
	if err != nil {
		return storeErr("set last error", err)
	}
	return nil
}

// UpdateProgress records how many segments have been transcribed so far.
func (s *Store) UpdateProgress(id string, done, total int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`UPDATE jobs SET segments_done = ?, segments_total = ?, updated_at = ? WHERE id = ?`,
		done, total, now, id)
	if err != nil {
		return storeErr("update progress", err)
	}
	return nil
}

// NextPending returns the oldest pending job, or nil when the queue is empty.
func (s *Store) NextPending() (*Job, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1`,
		StatusPending).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("next pending", err)
	}
	return s.GetJob(id)
}

// CountByStatus returns the number of jobs in the given status.
func (s *Store) CountByStatus(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, storeErr("count by status", err)
	}
	return n, nil
}

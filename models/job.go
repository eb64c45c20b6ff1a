package models

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// JobScopeUnlockGeneration is the scope the generation worker and the sweep
// operate on.
const JobScopeUnlockGeneration = "unlock_generation"

// IngestionJob is a leased background job. Claiming and heartbeating are
// atomic single-statement updates so no two workers ever hold the same job.
type IngestionJob struct {
	ID             string     `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	Status         JobStatus  `json:"status" gorm:"not null;default:'queued';index"`
	Scope          string     `json:"scope" gorm:"not null;index"`
	Payload        JSON       `json:"payload" gorm:"type:jsonb"`
	WorkerID       *string    `json:"worker_id"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at" gorm:"index"`
	StartedAt      *time.Time `json:"started_at" gorm:"index"`
	Attempts       int        `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts    int        `json:"max_attempts" gorm:"not null;default:3"`
	LastError      *string    `json:"last_error"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (IngestionJob) TableName() string {
	return "ingestion_jobs"
}

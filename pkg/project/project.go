// Package project holds the reviewed-project model and its stores.
//
// A project's current phase and status are a fast-path materialization:
// the evidence ledger is the source of truth and the state here must
// always be re-derivable from it.
package project

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a project.
type Status string

const (
	StatusActive           Status = "active"
	StatusBlocked          Status = "blocked"
	StatusExceptionGranted Status = "exception-granted"
	StatusClosed           Status = "closed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Project is one contracted service/expenditure under review.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CurrentPhase string    `json:"current_phase"`
	Attempt      int       `json:"attempt"` // phase-attempt counter for the current phase
	Status       Status    `json:"status"`
	AmountEUR    float64   `json:"amount_eur"`
	Typology     string    `json:"typology"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ErrNotFound indicates the project does not exist.
var ErrNotFound = errors.New("project: not found")

// Store is the durable interface for project records. Only the phase
// state machine mutates projects.
type Store interface {
	Create(ctx context.Context, p Project) error
	Get(ctx context.Context, id string) (Project, error)
	Update(ctx context.Context, p Project) error
	List(ctx context.Context) ([]Project, error)
}

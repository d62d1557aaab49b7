// Package exception models the human-originated override that converts a
// blocked gate into ALLOW_WITH_EXCEPTION.
//
// The engine never fabricates one of these: every exception carries the
// approver's identity and a written justification, and both are validated
// before the gate will honor it.
package exception

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Exception is a granted human override for one phase transition.
type Exception struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	FromPhase     string     `json:"from_phase"`
	ToPhase       string     `json:"to_phase"`
	Approver      string     `json:"approver"`
	ApproverRole  string     `json:"approver_role,omitempty"`
	Justification string     `json:"justification"`
	GrantedAt     time.Time  `json:"granted_at"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
}

// New builds a granted exception with a fresh id.
func New(projectID, fromPhase, toPhase, approver, justification string, at time.Time) Exception {
	return Exception{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		FromPhase:     fromPhase,
		ToPhase:       toPhase,
		Approver:      approver,
		Justification: justification,
		GrantedAt:     at.UTC(),
	}
}

// Consumed reports whether the exception has already been spent on a
// transition. An exception unlocks exactly one gate crossing.
func (e *Exception) Consumed() bool { return e.ConsumedAt != nil }

// ErrInvalidApprover indicates the approver assertion failed verification.
var ErrInvalidApprover = errors.New("exception: invalid approver assertion")

// ApproverClaims are the JWT claims carried by a signed approver assertion.
type ApproverClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Policy governs what a valid exception looks like.
type Policy struct {
	// MinJustificationLen is the minimum written-justification length.
	MinJustificationLen int
	// Issuer, when set, must match the iss claim of approver assertions.
	Issuer string
	// SigningKey, when set, requires approvers to present an HS256-signed
	// assertion instead of a bare identity string.
	SigningKey []byte
}

// DefaultPolicy returns the standard exception policy.
func DefaultPolicy() Policy {
	return Policy{MinJustificationLen: 40}
}

// Validate checks a granted exception against the policy.
func (p Policy) Validate(e Exception) error {
	if e.ProjectID == "" {
		return fmt.Errorf("exception: missing project_id")
	}
	if strings.TrimSpace(e.Approver) == "" {
		return fmt.Errorf("exception: missing approver identity")
	}
	if len(strings.TrimSpace(e.Justification)) < p.MinJustificationLen {
		return fmt.Errorf("exception: justification shorter than %d characters", p.MinJustificationLen)
	}
	return nil
}

// VerifyApprover validates a signed approver assertion and returns its
// claims. Requires SigningKey to be configured.
func (p Policy) VerifyApprover(tokenString string) (*ApproverClaims, error) {
	if len(p.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: no signing key configured", ErrInvalidApprover)
	}

	claims := &ApproverClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidApprover, err)
	}
	if !token.Valid {
		return nil, ErrInvalidApprover
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidApprover)
	}
	if p.Issuer != "" && claims.Issuer != p.Issuer {
		return nil, fmt.Errorf("%w: issuer %q not trusted", ErrInvalidApprover, claims.Issuer)
	}
	return claims, nil
}

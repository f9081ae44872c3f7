package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// SubjectID is the operator id for operator tokens and the caller ref
// for kiosk tokens; authorization between the two lives in internal/rbac.
type Claims struct {
	jwt.RegisteredClaims

	SubjectID string    `json:"subject_id"`
	DisplayID string    `json:"display_id,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

package identity

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regiflex/regiflex/internal/platform/auth"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail reports whether s looks like a deliverable address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// ValidRole reports whether role can be held by a clinic user.
func ValidRole(role string) bool {
	switch role {
	case auth.RoleAdmin, auth.RoleProfessional, auth.RoleReceptionist:
		return true
	}
	return false
}

// UsernameFromEmail derives a default username from the local part.
func UsernameFromEmail(email string) string {
	local, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(email)), "@")
	return local
}

// Profile maps to the user_profiles table: the clinic membership of an auth
// account.
type Profile struct {
	ID              uuid.UUID `db:"id" json:"id"`
	AuthUserID      uuid.UUID `db:"auth_user_id" json:"auth_user_id"`
	ClinicID        uuid.UUID `db:"clinic_id" json:"clinic_id"`
	Username        string    `db:"username" json:"username"`
	Email           string    `db:"email" json:"email"`
	FullName        string    `db:"full_name" json:"full_name"`
	Role            string    `db:"role" json:"role"`
	Active          bool      `db:"active" json:"active"`
	AutoProvisioned bool      `db:"auto_provisioned" json:"auto_provisioned"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// NewUser is the input for creating a clinic user.
type NewUser struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token              string    `json:"token"`
	ExpiresAt          time.Time `json:"expires_at"`
	UserID             uuid.UUID `json:"user_id"`
	ClinicID           string    `json:"clinic_id,omitempty"`
	Roles              []string  `json:"roles"`
	MustChangePassword bool      `json:"must_change_password"`
}

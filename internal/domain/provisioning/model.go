package provisioning

import (
	"fmt"
	"strings"

	goerrors "github.com/go-errors/errors"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/domain/identity"
)

// ClinicInfo describes the clinic to create.
type ClinicInfo struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	TaxID   string `json:"tax_id,omitempty"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// AdminInfo describes the clinic's first administrator.
type AdminInfo struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// Credentials are the administrator's first sign-in details.
type Credentials struct {
	Email        string `json:"email"`
	TempPassword string `json:"temp_password"`
}

// Result is what a successful provisioning created.
type Result struct {
	Clinic      *clinic.Clinic
	Admin       *identity.Profile
	LoginURL    string
	Credentials Credentials
}

// ValidationError lists every problem found in a provisioning request.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid provisioning request: " + strings.Join(e.Violations, "; ")
}

// Provisioning steps named by ProvisioningError.
const (
	StepPassword    = "generate_password"
	StepClinic      = "create_clinic"
	StepAdminLookup = "check_admin"
	StepAuthAccount = "create_auth_account"
	StepProfile     = "create_admin_profile"
	StepCommit      = "commit"
)

// ProvisioningError reports the step at which provisioning failed. The
// stack of the failure point is kept for operator diagnostics.
type ProvisioningError struct {
	Step string
	Err  error

	stack *goerrors.Error
}

func newProvisioningError(step string, err error) *ProvisioningError {
	return &ProvisioningError{Step: step, Err: err, stack: goerrors.Wrap(err, 1)}
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ErrorStack returns the failure message followed by the stack trace.
func (e *ProvisioningError) ErrorStack() string {
	if e.stack == nil {
		return e.Error()
	}
	return e.stack.ErrorStack()
}

// NormalizePlan maps accepted plan spellings onto plan identifiers. An empty
// plan means individual.
func NormalizePlan(plan string) string {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case "", clinic.PlanIndividual:
		return clinic.PlanIndividual
	case clinic.PlanClinic, "clinica":
		return clinic.PlanClinic
	}
	return plan
}

// Validate lists every problem with a provisioning request.
func Validate(ci ClinicInfo, ai AdminInfo, plan string) []string {
	var v []string
	if strings.TrimSpace(ci.Name) == "" {
		v = append(v, "clinic.name is required")
	}
	v = append(v, checkEmail("clinic.email", ci.Email)...)
	v = append(v, validateAdmin(ai)...)
	if !clinic.ValidPlan(plan) {
		v = append(v, fmt.Sprintf("plan must be %s or %s", clinic.PlanIndividual, clinic.PlanClinic))
	}
	return v
}

func validateAdmin(ai AdminInfo) []string {
	var v []string
	if strings.TrimSpace(ai.FullName) == "" {
		v = append(v, "admin.full_name is required")
	}
	return append(v, checkEmail("admin.email", ai.Email)...)
}

func checkEmail(field, email string) []string {
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		return []string{field + " is required"}
	case !identity.ValidEmail(email):
		return []string{field + " is invalid"}
	}
	return nil
}

// AdminFor fills the administrator of an existing clinic from its contact
// details, letting subscription metadata (admin_name, admin_email,
// admin_username) override them.
func AdminFor(c *clinic.Clinic, metadata map[string]string) AdminInfo {
	ai := AdminInfo{FullName: c.Name, Email: c.Email}
	if v := strings.TrimSpace(metadata["admin_name"]); v != "" {
		ai.FullName = v
	}
	if v := strings.TrimSpace(metadata["admin_email"]); v != "" {
		ai.Email = v
	}
	if v := strings.TrimSpace(metadata["admin_username"]); v != "" {
		ai.Username = v
	}
	return ai
}

package session

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	upperPattern    = regexp.MustCompile(`[A-Z]`)
	lowerPattern    = regexp.MustCompile(`[a-z]`)
	digitPattern    = regexp.MustCompile(`[0-9]`)
)

const (
	FieldFirstName       = "firstName"
	FieldLastName        = "lastName"
	FieldUsername        = "username"
	FieldEmail           = "email"
	FieldRole            = "role"
	FieldPassword        = "password"
	FieldConfirmPassword = "confirmPassword"
)

// RegisterProfile is the registration form
type RegisterProfile struct {
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	Role            string `json:"role"`
}

type profileField struct {
	name  string
	value string
	rules []validation.Rule
}

func (p RegisterProfile) fields() []profileField {
	return []profileField{
		{FieldFirstName, strings.TrimSpace(p.FirstName), []validation.Rule{validation.Required, validation.Length(1, 200)}},
		{FieldLastName, strings.TrimSpace(p.LastName), []validation.Rule{validation.Required, validation.Length(1, 200)}},
		{FieldUsername, strings.TrimSpace(p.Username), []validation.Rule{
			validation.Required,
			validation.Length(4, 0).Error("must be at least 4 characters"),
			validation.Match(usernamePattern).Error("must contain only letters, digits and underscores"),
		}},
		{FieldEmail, strings.TrimSpace(p.Email), []validation.Rule{validation.Required, is.Email}},
		{FieldRole, strings.TrimSpace(p.Role), []validation.Rule{validation.Required, validation.By(validateRegistrableRole)}},
		{FieldPassword, p.Password, []validation.Rule{
			validation.Required,
			validation.Length(8, 0).Error("must be at least 8 characters"),
			validation.Match(upperPattern).Error("must contain an upper case letter"),
			validation.Match(lowerPattern).Error("must contain a lower case letter"),
			validation.Match(digitPattern).Error("must contain a digit"),
		}},
		{FieldConfirmPassword, p.ConfirmPassword, []validation.Rule{
			validation.Required,
			validation.By(ValidateStringEquals(p.Password)),
		}},
	}
}

// Validate checks fields in form order and reports only the first violation,
// as a ValidationFailed error naming the field.
func (p RegisterProfile) Validate() error {
	for _, f := range p.fields() {
		if err := validation.Validate(f.value, f.rules...); err != nil {
			return validationFailed(f.name, err)
		}
	}
	return nil
}

// Request converts the profile to the backend payload. The role is lower cased.
func (p RegisterProfile) Request() RegisterRequest {
	role, _ := ParseRole(p.Role)
	return RegisterRequest{
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Username:  strings.TrimSpace(p.Username),
		Email:     strings.TrimSpace(p.Email),
		Password:  p.Password,
		Role:      role.String(),
	}
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}

func validateRegistrableRole(value interface{}) error {
	s, _ := value.(string)
	role, ok := ParseRole(s)
	if !ok || role == RoleGuest {
		return errors.New("must be one of admin, parent, student, tutor")
	}
	return nil
}

// Package validation provides input validation helpers and the custom
// validator tags used by request bindings.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/pandeptwidyaop/devflow/internal/schedule"
)

var (
	ErrPasswordTooShort    = errors.New("password must be at least 8 characters")
	ErrPasswordNoUppercase = errors.New("password must contain at least one uppercase letter")
	ErrPasswordNoLowercase = errors.New("password must contain at least one lowercase letter")
	ErrPasswordNoDigit     = errors.New("password must contain at least one digit")
	ErrPasswordCommon      = errors.New("password is too common, please choose a stronger password")
	ErrInputInvalid        = errors.New("input contains invalid characters")
	ErrInvalidPort         = errors.New("port must be between 1 and 65535")
	ErrPrivilegedPort      = errors.New("Port must be 22 or above 1024 for SSH")
	ErrInvalidSubdomain    = errors.New("subdomain must be a lowercase DNS label")
)

var commonPasswords = map[string]bool{
	"password": true, "123456": true, "12345678": true, "qwerty": true,
	"abc123": true, "password1": true, "password123": true, "admin": true,
	"letmein": true, "welcome": true, "changeme": true, "passw0rd": true,
}

var (
	slugPattern     = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	dnsLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	clockPattern    = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
	nonSlugChars    = regexp.MustCompile(`[^a-z0-9]+`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

// ValidatePassword enforces length, mixed case, a digit and rejects common passwords.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	switch {
	case !hasUpper:
		return ErrPasswordNoUppercase
	case !hasLower:
		return ErrPasswordNoLowercase
	case !hasDigit:
		return ErrPasswordNoDigit
	}
	if commonPasswords[strings.ToLower(password)] {
		return ErrPasswordCommon
	}
	return nil
}

// ValidateUsername validates a username.
func ValidateUsername(username string) error {
	if len(username) < 3 || len(username) > 50 {
		return errors.New("username must be between 3 and 50 characters")
	}
	if !usernamePattern.MatchString(username) {
		return errors.New("username must start with a letter and contain only letters, numbers, and underscores")
	}
	return nil
}

// ValidatePath rejects relative paths, traversal and control characters.
func ValidatePath(path string) error {
	if !strings.HasPrefix(path, "/") || strings.Contains(path, "..") || strings.ContainsAny(path, "\x00\n\r") {
		return ErrInputInvalid
	}
	return nil
}

// ValidateSSHPort accepts 22 or any unprivileged port.
func ValidateSSHPort(port int) error {
	if port < 1 || port > 65535 {
		return ErrInvalidPort
	}
	if port < 1024 && port != 22 {
		return ErrPrivilegedPort
	}
	return nil
}

// ValidateSubdomain checks a single lowercase DNS label.
func ValidateSubdomain(s string) error {
	if !dnsLabelPattern.MatchString(s) {
		return ErrInvalidSubdomain
	}
	return nil
}

// IsSlug reports whether s is a lowercase hyphenated slug.
func IsSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Slugify lowercases s and joins alphanumeric runs with hyphens.
func Slugify(s string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

var registerOnce sync.Once

// RegisterBindings installs the custom tags on gin's validator. Safe to call repeatedly.
func RegisterBindings() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
			return IsSlug(fl.Field().String())
		})
		_ = v.RegisterValidation("dnslabel", func(fl validator.FieldLevel) bool {
			return ValidateSubdomain(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("sshport", func(fl validator.FieldLevel) bool {
			return ValidateSSHPort(int(fl.Field().Int())) == nil
		})
		_ = v.RegisterValidation("frequency", func(fl validator.FieldLevel) bool {
			return schedule.Validate(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
			return clockPattern.MatchString(fl.Field().String())
		})
	})
}

// FieldErrors flattens validator errors into field -> message for JSON responses.
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "sshport":
		return ErrPrivilegedPort.Error()
	case "dnslabel":
		return ErrInvalidSubdomain.Error()
	case "slug":
		return "must contain only lowercase letters, digits and hyphens"
	case "frequency":
		return "must be hourly, daily, weekly, monthly or a cron expression"
	case "clock":
		return "must be HH:MM"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

package auth

import (
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hupe1980/supportmesh/core"
)

var (
	phonePattern = regexp.MustCompile(`^\+?[0-9 ()\-]{6,20}$`)
	otpPattern   = regexp.MustCompile(`^[0-9A-Za-z]{4,10}$`)

	patternCache sync.Map // string -> *regexp.Regexp
)

// FieldErrors maps field names to validation messages.
type FieldErrors map[string]string

// Error renders the errors sorted by field name.
func (fe FieldErrors) Error() string {
	names := make([]string, 0, len(fe))
	for name := range fe {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(fe))
	for _, name := range names {
		parts = append(parts, name+": "+fe[name])
	}
	return strings.Join(parts, "; ")
}

// ValidateStep checks values against the step's field definitions.
// Unknown values are ignored.
func ValidateStep(step core.LoginStep, values map[string]string) FieldErrors {
	errs := FieldErrors{}

	for _, f := range step.Fields {
		v := strings.TrimSpace(values[f.Name])
		if f.Type == core.FieldPassword {
			v = values[f.Name]
		}

		if v == "" {
			if f.Required {
				errs[f.Name] = "is required"
			}
			continue
		}

		if msg := validateField(f, v); msg != "" {
			errs[f.Name] = msg
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateField(f core.Field, v string) string {
	n := utf8.RuneCountInString(v)
	if f.MinLength > 0 && n < f.MinLength {
		return fmt.Sprintf("must be at least %d characters", f.MinLength)
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		return fmt.Sprintf("must be at most %d characters", f.MaxLength)
	}

	switch f.Type {
	case core.FieldEmail:
		addr, err := mail.ParseAddress(v)
		if err != nil || addr.Address != v || !strings.Contains(v[strings.LastIndex(v, "@")+1:], ".") {
			return "must be a valid email address"
		}
	case core.FieldPhone:
		if !phonePattern.MatchString(v) {
			return "must be a valid phone number"
		}
	case core.FieldNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return "must be a number"
		}
	case core.FieldOTP:
		if !otpPattern.MatchString(v) {
			return "must be a valid one-time code"
		}
	}

	if f.Pattern != "" {
		re, err := compilePattern(f.Pattern)
		if err != nil {
			return "cannot be validated"
		}
		if !re.MatchString(v) {
			return "has an invalid format"
		}
	}

	return ""
}

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	patternCache.Store(p, re)
	return re, nil
}

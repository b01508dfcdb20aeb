package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/hupe1980/supportmesh/core"
)

// ErrInvalidCredentials is returned when a password does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// StaticGuard is the core.AuthGuard derived from a package's declarative
// auth section. Password fields are checked against their bcrypt hash; the
// identity is read from the collected values.
type StaticGuard struct {
	spec core.AuthSpec
}

// NewStaticGuard creates a guard for spec.
func NewStaticGuard(spec core.AuthSpec) *StaticGuard {
	return &StaticGuard{spec: spec}
}

// GuardFor returns the package's explicit guard, else a StaticGuard over its
// auth section, else nil.
func GuardFor(pkg *core.PackageDefinition) core.AuthGuard {
	switch {
	case pkg == nil:
		return nil
	case pkg.Guard != nil:
		return pkg.Guard
	case pkg.Auth != nil:
		return NewStaticGuard(*pkg.Auth)
	default:
		return nil
	}
}

// HashSecret returns the bcrypt hash to declare as a password field's
// secret_hash.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// LoginSteps implements core.AuthGuard.
func (g *StaticGuard) LoginSteps() []core.LoginStep { return slices.Clone(g.spec.Steps) }

// VerifyStep implements core.AuthGuard.
func (g *StaticGuard) VerifyStep(_ context.Context, step core.LoginStep, values, _ map[string]string) error {
	for _, f := range step.Fields {
		if f.Type != core.FieldPassword || f.SecretHash == "" {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(f.SecretHash), []byte(values[f.Name])); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, f.Name)
		}
	}
	return nil
}

// Identify implements core.AuthGuard.
func (g *StaticGuard) Identify(_ context.Context, collected map[string]string) (core.Identity, error) {
	id := core.Identity{
		DisplayName: collected[g.spec.NameField],
		Email:       collected[g.spec.EmailField],
		Roles:       slices.Clone(g.spec.DefaultRoles),
	}
	if id.Email == "" {
		id.Email = collected["email"]
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Email
	}
	if len(id.Roles) == 0 {
		id.Roles = []string{"customer"}
	}
	return id, nil
}

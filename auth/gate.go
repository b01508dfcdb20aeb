package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/tracing"
)

// DefaultSessionTTL applies when neither the package nor the gate sets one.
const DefaultSessionTTL = 24 * time.Hour

// errUnchanged aborts a store update without persisting anything.
var errUnchanged = errors.New("auth state unchanged")

// Input is one submitted login step.
type Input struct {
	Package        *core.PackageDefinition
	ChatbotID      string
	EndUserID      string
	ConversationID string
	StepID         string
	Values         map[string]string
}

// SessionSummary describes an authenticated session.
type SessionSummary struct {
	DisplayName string    `json:"displayName,omitempty"`
	Email       string    `json:"email,omitempty"`
	Roles       []string  `json:"roles"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Result is the outcome of ProcessAuthInput.
type Result struct {
	Success       bool                 `json:"success"`
	Authenticated bool                 `json:"authenticated"`
	NextStep      *core.StepDescriptor `json:"nextStep,omitempty"`
	Error         string               `json:"error,omitempty"`
	Retryable     bool                 `json:"retryable,omitempty"`
	StepID        string               `json:"stepId,omitempty"`
	FieldErrors   FieldErrors          `json:"fieldErrors,omitempty"`
	Session       *SessionSummary      `json:"session,omitempty"`
}

// Challenge is returned by Check when the caller must log in first.
type Challenge struct {
	Step  *core.StepDescriptor
	State core.AuthState
}

// Options configures a Gate.
type Options struct {
	SessionTTL time.Duration
	Logger     logging.Logger
	Now        func() time.Time
}

// Gate runs the per (chatbot, end user) login state machine.
type Gate struct {
	store core.AuthStateStore
	opts  Options
}

// NewGate creates a Gate over store.
func NewGate(store core.AuthStateStore, optFns ...func(o *Options)) *Gate {
	opts := Options{
		SessionTTL: DefaultSessionTTL,
		Logger:     logging.NoOpLogger{},
		Now:        time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Gate{store: store, opts: opts}
}

// GetAuthState returns the effective state; absent or expired reads as
// anonymous.
func (g *Gate) GetAuthState(ctx context.Context, chatbotID, endUserID string) (core.AuthState, error) {
	key := core.AuthKey{ChatbotID: chatbotID, EndUserID: endUserID}

	st, err := g.store.GetAuthState(ctx, key)
	if err != nil {
		return core.AuthState{}, fmt.Errorf("get auth state: %w", err)
	}
	if st == nil {
		return core.AnonymousState(key), nil
	}
	return st.Effective(g.now()), nil
}

// Check is the orchestrator's short circuit. It returns nil when the
// package needs no login or the user is authenticated; otherwise it returns
// the step to submit next, moving an anonymous user to pending at the first
// step.
func (g *Gate) Check(ctx context.Context, pkg *core.PackageDefinition, chatbotID, endUserID string) (*Challenge, error) {
	if pkg == nil || !pkg.AuthRequired() {
		return nil, nil
	}

	steps := GuardFor(pkg).LoginSteps()
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: package %s requires auth without steps", core.ErrInvalidPackage, pkg.ID)
	}

	key := core.AuthKey{ChatbotID: chatbotID, EndUserID: endUserID}
	now := g.now()

	var challenge *Challenge
	_, err := g.store.UpdateAuthState(ctx, key, func(st *core.AuthState) error {
		*st = st.Effective(now)

		switch st.Status {
		case core.AuthAuthenticated:
			return errUnchanged
		case core.AuthPending:
			if step, ok := findStep(steps, st.CurrentStep); ok {
				challenge = &Challenge{Step: step.Descriptor(), State: st.Clone()}
				return errUnchanged
			}
		}

		st.Status = core.AuthPending
		st.CurrentStep = steps[0].ID
		st.Collected = nil
		challenge = &Challenge{Step: steps[0].Descriptor(), State: st.Clone()}

		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, fmt.Errorf("check auth state: %w", err)
	}

	return challenge, nil
}

// ProcessAuthInput validates and applies one submitted step. Validation
// problems are reported in the Result, not as errors; errors mean the state
// could not be read or written.
func (g *Gate) ProcessAuthInput(ctx context.Context, in Input) (res Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "auth.process",
		tracing.StringAttr("chatbot_id", in.ChatbotID),
		tracing.StringAttr("step_id", in.StepID),
	)
	defer func() { tracing.End(span, err) }()

	log := logging.With(g.opts.Logger, "chatbot_id", in.ChatbotID, "end_user_id", in.EndUserID, "conversation_id", in.ConversationID)

	guard := GuardFor(in.Package)
	if guard == nil || len(guard.LoginSteps()) == 0 {
		return Result{Success: false, Error: "this chatbot does not require a login"}, nil
	}
	steps := guard.LoginSteps()

	key := core.AuthKey{ChatbotID: in.ChatbotID, EndUserID: in.EndUserID}
	now := g.now()
	ttl := g.sessionTTL(in.Package)

	_, err = g.store.UpdateAuthState(ctx, key, func(st *core.AuthState) error {
		*st = st.Effective(now)
		res = Result{}

		if st.Status == core.AuthAuthenticated {
			res = Result{Error: "already authenticated", Authenticated: true}
			return errUnchanged
		}

		expected := steps[0].ID
		if st.Status == core.AuthPending && st.CurrentStep != "" {
			expected = st.CurrentStep
		}
		if in.StepID != expected {
			res = Result{Error: fmt.Sprintf("step %q is expected next", expected), Retryable: true, StepID: expected}
			return errUnchanged
		}

		idx := stepIndex(steps, expected)
		if idx < 0 {
			// The pending step is no longer offered by the guard.
			st.Status, st.CurrentStep, st.Collected = core.AuthPending, steps[0].ID, nil
			res = Result{Error: "the login flow changed, please start again", Retryable: true, StepID: steps[0].ID, NextStep: steps[0].Descriptor()}
			return nil
		}
		step := steps[idx]

		if st.Status == core.AuthAnonymous {
			st.Collected = nil
		}
		st.Status = core.AuthPending
		st.CurrentStep = step.ID

		if fe := ValidateStep(step, in.Values); fe != nil {
			res = Result{Error: "please check the highlighted fields", Retryable: true, StepID: step.ID, FieldErrors: fe}
			return nil
		}

		if err := guard.VerifyStep(ctx, step, in.Values, maps.Clone(st.Collected)); err != nil {
			log.Info("auth.step.rejected", "step_id", step.ID, "error", err.Error())
			res = Result{Error: "the submitted values could not be verified", Retryable: true, StepID: step.ID}
			return nil
		}

		if st.Collected == nil {
			st.Collected = map[string]string{}
		}
		for _, f := range step.Fields {
			if f.Type != core.FieldPassword {
				if v, ok := in.Values[f.Name]; ok {
					st.Collected[f.Name] = v
				}
			}
		}

		if idx+1 < len(steps) {
			next := steps[idx+1]
			st.CurrentStep = next.ID
			res = Result{Success: true, NextStep: next.Descriptor(), StepID: next.ID}
			log.Info("auth.step.advanced", "from_step", step.ID, "to_step", next.ID)
			return nil
		}

		id, err := guard.Identify(ctx, st.Collected)
		if err != nil {
			log.Warn("auth.identify.failed", "error", err.Error())
			res = Result{Error: "we could not verify your identity", Retryable: true, StepID: step.ID}
			return nil
		}

		st.Status = core.AuthAuthenticated
		st.CurrentStep = ""
		st.Collected = nil
		st.DisplayName = id.DisplayName
		st.Email = id.Email
		st.Roles = id.Roles
		st.ExpiresAt = now.Add(ttl).UTC()

		res = Result{
			Success:       true,
			Authenticated: true,
			Session: &SessionSummary{
				DisplayName: id.DisplayName,
				Email:       id.Email,
				Roles:       id.Roles,
				ExpiresAt:   st.ExpiresAt,
			},
		}
		log.Info("auth.authenticated", "roles", id.Roles, "expires_at", st.ExpiresAt)

		return nil
	})
	if errors.Is(err, errUnchanged) {
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("update auth state: %w", err)
	}

	return res, nil
}

// PurgeExpired deletes authenticated states past their expiry.
func (g *Gate) PurgeExpired(ctx context.Context) (int, error) {
	n, err := g.store.DeleteExpiredAuthStates(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("purge auth states: %w", err)
	}
	if n > 0 {
		g.opts.Logger.Info("auth.states.purged", "count", n)
	}
	return n, nil
}

func (g *Gate) sessionTTL(pkg *core.PackageDefinition) time.Duration {
	if pkg != nil && pkg.Auth != nil && pkg.Auth.SessionTTL > 0 {
		return pkg.Auth.SessionTTL
	}
	return g.opts.SessionTTL
}

func (g *Gate) now() time.Time { return g.opts.Now() }

func findStep(steps []core.LoginStep, id string) (core.LoginStep, bool) {
	if i := stepIndex(steps, id); i >= 0 {
		return steps[i], true
	}
	return core.LoginStep{}, false
}

func stepIndex(steps []core.LoginStep, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

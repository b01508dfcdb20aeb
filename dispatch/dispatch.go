// Package dispatch resolves which agent of a package receives a turn and
// validates hand-offs between agents while the turn runs.
//
// Resolution is synchronous and stateless across turns: every turn starts
// from the PackageDefinition. Within a turn a Routing records the accepted
// hand-offs so the bounds hold regardless of what the models request.
package dispatch

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/logging"
)

// Mode describes how the package is organised.
type Mode string

// Dispatch modes.
const (
	ModeSingle     Mode = "single"     // exactly one agent
	ModeSupervised Mode = "supervised" // supervisor plus workers
	ModeWorkers    Mode = "workers"    // several workers, no supervisor
)

// Plan is the routing decision taken at the start of a turn.
type Plan struct {
	Mode Mode
	// Entry is the agent that receives the turn first.
	Entry string
	// Delegated is set when intent routing already handed the turn from the
	// supervisor to Entry.
	Delegated bool
	// Intent is the worker intent that matched, if any.
	Intent string
}

// Options configures a Dispatcher.
type Options struct {
	// MaxWorkerHandoffs bounds worker to worker hand-offs per turn.
	MaxWorkerHandoffs int
	Logger            logging.Logger
}

// Dispatcher resolves plans and authorizes hand-offs.
type Dispatcher struct {
	opts Options
}

// New creates a Dispatcher. One worker hand-off per turn is allowed by default.
func New(optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		MaxWorkerHandoffs: 1,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{opts: opts}
}

// Resolve picks the entry agent for message.
func (d *Dispatcher) Resolve(pkg *core.PackageDefinition, message string) (Plan, error) {
	if pkg == nil {
		return Plan{}, fmt.Errorf("%w: no package", core.ErrInvalidPackage)
	}

	agents := pkg.Agents()
	switch {
	case len(agents) == 0:
		return Plan{}, fmt.Errorf("%w: %s declares no agents", core.ErrInvalidPackage, pkg.ID)
	case len(agents) == 1:
		return Plan{Mode: ModeSingle, Entry: agents[0].ID}, nil
	}

	if sup := pkg.Supervisor; sup != nil {
		plan := Plan{Mode: ModeSupervised, Entry: sup.ID}
		if sup.RoutingStrategy != core.RoutingIntent {
			return plan, nil
		}

		candidates := d.workersOf(pkg, sup.Workers)
		if worker, intent, ok := MatchIntent(candidates, message); ok {
			plan.Entry, plan.Delegated, plan.Intent = worker, true, intent
			return plan, nil
		}

		if sup.FallbackBehavior == core.FallbackFirstWorker && len(sup.Workers) > 0 {
			plan.Entry, plan.Delegated = sup.Workers[0], true
		}
		return plan, nil
	}

	plan := Plan{Mode: ModeWorkers, Entry: pkg.Workers[0].ID}
	if worker, intent, ok := MatchIntent(pkg.Workers, message); ok {
		plan.Entry, plan.Intent = worker, intent
	}
	return plan, nil
}

func (d *Dispatcher) workersOf(pkg *core.PackageDefinition, ids []string) []core.AgentSpec {
	out := make([]core.AgentSpec, 0, len(ids))
	for _, id := range ids {
		if spec, ok := pkg.Agent(id); ok {
			out = append(out, spec)
		}
	}
	return out
}

// NewRouting starts the per-turn hand-off bookkeeping for plan.
func (d *Dispatcher) NewRouting(pkg *core.PackageDefinition, plan Plan) *Routing {
	r := &Routing{
		pkg:         pkg,
		current:     plan.Entry,
		maxHandoffs: d.opts.MaxWorkerHandoffs,
		logger:      d.opts.Logger,
	}
	if pkg.Supervisor != nil {
		r.supervisorID = pkg.Supervisor.ID
		r.delegated = plan.Delegated
	}
	return r
}

// Routing tracks the hand-offs accepted during one turn.
type Routing struct {
	pkg          *core.PackageDefinition
	supervisorID string
	maxHandoffs  int
	logger       logging.Logger

	mu             sync.Mutex
	current        string
	delegated      bool
	workerHandoffs int
}

// Current returns the agent holding the turn.
func (r *Routing) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Targets lists the agents from may hand the turn to right now.
func (r *Routing) Targets(from string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from != r.current {
		return nil
	}

	if from == r.supervisorID {
		if r.delegated {
			return nil
		}
		return slices.Clone(r.pkg.Supervisor.Workers)
	}

	if !r.pkg.IsWorker(from) || r.workerHandoffs >= r.maxHandoffs {
		return nil
	}

	var out []string
	for _, w := range r.workerPool() {
		if w != from {
			out = append(out, w)
		}
	}
	return out
}

// workerPool is the set a worker may switch to: the supervisor's workers when
// there is one, else every worker. Must be called with mu held.
func (r *Routing) workerPool() []string {
	if r.pkg.Supervisor != nil {
		return r.pkg.Supervisor.Workers
	}
	ids := make([]string, 0, len(r.pkg.Workers))
	for _, w := range r.pkg.Workers {
		ids = append(ids, w.ID)
	}
	return ids
}

// Authorize validates a hand-off from the current agent to target and
// records it when accepted. A rejected hand-off leaves the turn with from.
func (r *Routing) Authorize(from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reject := func(err error, reason string) error {
		r.logger.Warn("dispatch.handoff.rejected", "from_agent", from, "to_agent", to, "reason", reason)
		return fmt.Errorf("%w: %s", err, reason)
	}

	switch {
	case from != r.current:
		return reject(core.ErrHandoffRejected, "agent does not hold the turn")
	case to == from:
		return reject(core.ErrHandoffRejected, "cannot hand off to self")
	case to == r.supervisorID && to != "":
		return reject(core.ErrHandoffRejected, "cannot return to the supervisor")
	case !r.pkg.IsWorker(to):
		return reject(core.ErrHandoffRejected, fmt.Sprintf("unknown worker %q", to))
	}

	if from == r.supervisorID {
		if r.delegated {
			return reject(core.ErrHandoffLimit, "supervisor already delegated")
		}
		if !slices.Contains(r.pkg.Supervisor.Workers, to) {
			return reject(core.ErrHandoffRejected, fmt.Sprintf("%q is not in the supervisor's workers", to))
		}
		r.delegated = true
		r.current = to
		r.logger.Info("dispatch.handoff.delegated", "from_agent", from, "to_agent", to)
		return nil
	}

	if !r.pkg.IsWorker(from) {
		return reject(core.ErrHandoffRejected, fmt.Sprintf("unknown agent %q", from))
	}
	if r.workerHandoffs >= r.maxHandoffs {
		return reject(core.ErrHandoffLimit, "worker hand-off limit reached")
	}
	if !slices.Contains(r.workerPool(), to) {
		return reject(core.ErrHandoffRejected, fmt.Sprintf("%q is not reachable", to))
	}

	r.workerHandoffs++
	r.current = to
	r.logger.Info("dispatch.handoff.switched", "from_agent", from, "to_agent", to)

	return nil
}

// Describe renders the notification emitted for an accepted hand-off.
func Describe(pkg *core.PackageDefinition, from, to string) string {
	label := func(id string) string {
		if spec, ok := pkg.Agent(id); ok && spec.Role != "" {
			return fmt.Sprintf("%s (%s)", id, spec.Role)
		}
		return id
	}
	if pkg.Supervisor != nil && from == pkg.Supervisor.ID {
		return fmt.Sprintf("Routing your request from %s to %s", label(from), label(to))
	}
	return fmt.Sprintf("Handing over from %s to %s", label(from), label(to))
}

// MatchIntent returns the first worker, in declaration order, with the most
// intent phrases occurring in message as whole words.
func MatchIntent(workers []core.AgentSpec, message string) (workerID, intent string, ok bool) {
	words := tokenize(message)
	if len(words) == 0 {
		return "", "", false
	}

	best := 0
	for _, w := range workers {
		score, first := 0, ""
		for _, phrase := range w.Intents {
			if containsPhrase(words, tokenize(phrase)) {
				score++
				if first == "" {
					first = phrase
				}
			}
		}
		if score > best {
			best, workerID, intent = score, w.ID, first
		}
	}

	return workerID, intent, best > 0
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		if slices.Equal(words[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}

// FirstPhrase returns the first of phrases that occurs in message as whole
// words, ignoring case and punctuation.
func FirstPhrase(message string, phrases []string) (string, bool) {
	words := tokenize(message)
	for _, p := range phrases {
		if containsPhrase(words, tokenize(p)) {
			return p, true
		}
	}
	return "", false
}

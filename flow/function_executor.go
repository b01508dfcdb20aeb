package flow

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/tool"
	"github.com/hupe1980/supportmesh/tracing"
)

// CallResult is the outcome of one function call.
type CallResult struct {
	Call     core.FunctionCall
	Response core.FunctionResponse
	Actions  core.EventActions
	Crashed  bool
}

// FunctionExecutor executes the function calls of one model response.
// Implementations must:
//   - emit tool_call(started) immediately before dispatching a call and
//     tool_call(completed|failed) once it resolves, never interleaving two
//     calls of the same tool
//   - never panic (recover internally and report the call as failed)
//   - return one result per call, in call order
//   - stop waiting when runCtx is cancelled, discarding late results
type FunctionExecutor interface {
	Execute(runCtx *core.RunContext, agent FlowAgent, tools map[string]tool.Tool, calls []core.FunctionCall) ([]CallResult, error)
}

// FunctionExecutorConfig configures the default parallel executor.
type FunctionExecutorConfig struct {
	MaxParallel int           // 0 or <1 => no explicit limit (len(calls))
	ToolTimeout time.Duration // 0 => no per call timeout
}

// parallelFunctionExecutor is the default implementation. Calls are grouped
// into lanes by tool name: lanes run concurrently, calls within a lane run
// one after another. Completion events are emitted in call order.
type parallelFunctionExecutor struct {
	cfg FunctionExecutorConfig
}

// NewParallelFunctionExecutor constructs a new executor with the given config.
func NewParallelFunctionExecutor(cfg FunctionExecutorConfig) FunctionExecutor {
	return &parallelFunctionExecutor{cfg: cfg}
}

type pendingCall struct {
	index int
	call  core.FunctionCall
	done  chan CallResult
}

func (e *parallelFunctionExecutor) Execute(
	runCtx *core.RunContext,
	agent FlowAgent,
	tools map[string]tool.Tool,
	calls []core.FunctionCall,
) ([]CallResult, error) {
	n := len(calls)
	if n == 0 {
		return nil, nil
	}

	maxPar := e.cfg.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}
	sem := make(chan struct{}, maxPar)

	// Build lanes; next[i] is the following call of the same tool.
	pending := make([]*pendingCall, n)
	next := make([]int, n)
	last := map[string]int{}
	for i, fc := range calls {
		if fc.ID == "" {
			fc.ID = fmt.Sprintf("%s_%d", runCtx.TurnID, i)
		}
		pending[i] = &pendingCall{index: i, call: fc, done: make(chan CallResult, 1)}
		next[i] = -1
		if prev, ok := last[fc.Name]; ok {
			next[prev] = i
		}
		last[fc.Name] = i
	}

	batchStart := time.Now()

	dispatch := func(p *pendingCall) error {
		runCtx.Turn.RecordTool(p.call.Name)
		if err := runCtx.Emit(core.NewToolCallEvent(p.call.Name, core.ToolStarted, p.call.ID)); err != nil {
			return err
		}
		if msg, _ := agent.ToolMessages(p.call.Name); msg != "" {
			if err := runCtx.Notify(msg); err != nil {
				return err
			}
		}

		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			p.done <- e.run(runCtx, agent, tools, p.call)
		}()

		return nil
	}

	// Lane heads start right away, in call order.
	started := make([]bool, n)
	for i := range pending {
		if isLaneHead(calls, i) {
			if err := dispatch(pending[i]); err != nil {
				return nil, err
			}
			started[i] = true
		}
	}

	results := make([]CallResult, n)
	for i, p := range pending {
		var res CallResult
		select {
		case res = <-p.done:
		case <-runCtx.Done():
			runCtx.LogWarn("agent.functions.abandoned", "agent", agent.ID(), "pending", n-i)
			return nil, runCtx.Err()
		}
		results[i] = res

		status := core.ToolCompleted
		if res.Crashed {
			status = core.ToolFailed
		}
		if err := runCtx.Emit(core.NewToolCallEvent(res.Call.Name, status, res.Call.ID)); err != nil {
			return nil, err
		}

		if res.Crashed {
			runCtx.Turn.RecordToolFailure()
			if err := runCtx.Notify(fmt.Sprintf("The %s tool is temporarily unavailable", res.Call.Name)); err != nil {
				return nil, err
			}
		} else if _, msg := agent.ToolMessages(res.Call.Name); msg != "" {
			if err := runCtx.Notify(msg); err != nil {
				return nil, err
			}
		}

		if j := next[i]; j >= 0 && !started[j] {
			if err := dispatch(pending[j]); err != nil {
				return nil, err
			}
			started[j] = true
		}
	}

	runCtx.LogDebug(
		"agent.functions.batch.complete",
		"agent", agent.ID(),
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return results, nil
}

func isLaneHead(calls []core.FunctionCall, i int) bool {
	for j := range i {
		if calls[j].Name == calls[i].Name {
			return false
		}
	}
	return true
}

// run executes one call with panic safety.
func (e *parallelFunctionExecutor) run(
	runCtx *core.RunContext,
	agent FlowAgent,
	tools map[string]tool.Tool,
	fc core.FunctionCall,
) (res CallResult) {
	res.Call = fc
	res.Response = core.FunctionResponse{ID: fc.ID, Name: fc.Name}

	ctx, span := tracing.StartSpan(runCtx.Context, "tool.call",
		tracing.StringAttr("agent", agent.ID()),
		tracing.StringAttr("tool", fc.Name),
	)
	if e.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ToolTimeout)
		defer cancel()
	}
	callCtx := *runCtx
	callCtx.Context = ctx

	toolCtx := core.NewToolContext(&callCtx, fc.ID)
	execStart := time.Now()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
				runCtx.LogError("agent.function.panic", "agent", agent.ID(), "function", fc.Name, "recover", r)
			}
		}()
		result, err = executeTool(tools, toolCtx, fc.Name, fc.Arguments)
	}()

	runCtx.LogInfo(
		"agent.function.executed",
		"agent", agent.ID(),
		"function", fc.Name,
		"duration_ms", time.Since(execStart).Milliseconds(),
		"error", err != nil,
	)

	res.Actions = *toolCtx.Actions()
	tracing.End(span, err)

	if err != nil {
		runCtx.LogWarn("agent.function.crashed", "agent", agent.ID(), "function", fc.Name, "error", err.Error())
		res.Crashed = true
		res.Response.Error = "the tool failed unexpectedly and returned no result"
		return res
	}

	res.Response.Response = result
	return res
}

// panicError converts a recovered panic value to an error.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }

// executeTool centralizes tool lookup & execution. Unknown tools and
// malformed arguments are business failures the model can correct.
func executeTool(tools map[string]tool.Tool, toolCtx *core.ToolContext, toolName, args string) (any, error) {
	impl, ok := tools[toolName]
	if !ok {
		return tool.NewFailure(tool.CodeNotFound, fmt.Sprintf("tool %s is not available", toolName), false), nil
	}

	argMap, err := model.DecodeArguments(args)
	if err != nil {
		return tool.NewFailure(tool.CodeValidation, err.Error(), true), nil
	}

	return impl.Call(toolCtx, argMap)
}

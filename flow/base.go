package flow

import (
	"fmt"
	"maps"
	"strings"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/tool"
	"github.com/hupe1980/supportmesh/tracing"
)

// BaseFlow is the request -> LLM -> (optional tool loop) cycle with
// pluggable pre/post processors.
type BaseFlow struct {
	agent              FlowAgent
	executor           FunctionExecutor
	allowTransfer      bool
	requestProcessors  []RequestProcessor
	responseProcessors []ResponseProcessor
}

// NewBaseFlow creates a flow without processors.
func NewBaseFlow(agent FlowAgent, executor FunctionExecutor) *BaseFlow {
	if executor == nil {
		executor = NewParallelFunctionExecutor(FunctionExecutorConfig{})
	}
	return &BaseFlow{
		agent:              agent,
		executor:           executor,
		requestProcessors:  []RequestProcessor{},
		responseProcessors: []ResponseProcessor{},
	}
}

// AddRequestProcessor appends a request processor; order of registration defines execution order.
func (f *BaseFlow) AddRequestProcessor(processor RequestProcessor) {
	f.requestProcessors = append(f.requestProcessors, processor)
}

// AddResponseProcessor appends a response processor executed on each final model response.
func (f *BaseFlow) AddResponseProcessor(processor ResponseProcessor) {
	f.responseProcessors = append(f.responseProcessors, processor)
}

// Run implements Flow.
func (f *BaseFlow) Run(runCtx *core.RunContext) (Outcome, error) {
	var (
		working []core.Content // this agent's rounds: assistant calls and tool results
		out     Outcome
	)

	tools := f.tools(runCtx)

	for {
		if err := runCtx.Err(); err != nil {
			return out, err
		}

		if err := runCtx.Limiter.Increment(); err != nil {
			return out, core.NewEngineError(core.CodeModelCallLimit, "model call limit reached", err)
		}
		out.Rounds++

		_ = runCtx.Thinking(thinkingStep(out.Rounds), 1-1/float64(out.Rounds+1))

		req := &model.Request{Stream: f.agent.IsStreamingEnabled(), Temperature: f.agent.Temperature()}
		for _, processor := range f.requestProcessors {
			if err := processor.ProcessRequest(runCtx, req, f.agent); err != nil {
				return out, core.NewEngineError(core.CodeInternal, fmt.Sprintf("request processor %s failed", processor.Name()), err)
			}
		}
		req.Contents = append(req.Contents, working...)
		req.Tools = toolDefinitions(tools)

		final, err := f.generate(runCtx, req)
		if err != nil {
			return out, err
		}

		for _, processor := range f.responseProcessors {
			if err := processor.ProcessResponse(runCtx, &final, f.agent); err != nil {
				return out, core.NewEngineError(core.CodeInternal, fmt.Sprintf("response processor %s failed", processor.Name()), err)
			}
		}

		calls := final.Content.FunctionCalls()
		if len(calls) == 0 {
			runCtx.Turn.SetModelID(f.agent.Model().Info().Name)
			return out, nil
		}

		results, err := f.executor.Execute(runCtx, f.agent, tools, calls)
		if err != nil {
			return out, err
		}

		responses := make([]core.Part, 0, len(results))
		for _, r := range results {
			responses = append(responses, core.FunctionResponsePart{FunctionResponse: r.Response})
			if r.Actions.TransferToAgent != nil && out.TransferTo == "" {
				out.TransferTo = *r.Actions.TransferToAgent
			}
		}

		if out.TransferTo != "" {
			runCtx.LogInfo("flow.transfer", "agent", f.agent.ID(), "to_agent", out.TransferTo)
			return out, nil
		}

		working = append(working,
			core.Content{Role: "assistant", Parts: final.Content.Parts},
			core.Content{Role: "tool", Parts: responses},
		)
	}
}

// generate performs one model call, forwarding partial text as deltas, and
// returns the final response.
func (f *BaseFlow) generate(runCtx *core.RunContext, req *model.Request) (final model.Response, err error) {
	llm := f.agent.Model()

	ctx, span := tracing.StartSpan(runCtx.Context, "flow.model_call",
		tracing.StringAttr("agent", f.agent.ID()),
		tracing.StringAttr("model", llm.Info().Name),
	)
	defer func() { tracing.End(span, err) }()

	respCh, errCh := llm.Generate(ctx, *req)

	var (
		hasFinal bool
		streamed strings.Builder
		genErr   error
	)

	for respCh != nil || errCh != nil {
		select {
		case <-runCtx.Done():
			return final, runCtx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				text := resp.Content.Text()
				if text == "" {
					continue
				}
				if err := runCtx.Stream.Delta(text); err != nil {
					return final, err
				}
				streamed.WriteString(text)
				continue
			}
			final, hasFinal = resp, true
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				genErr = err
			}
		}
	}

	if genErr != nil {
		if err := runCtx.Err(); err != nil {
			return final, err
		}
		runCtx.LogError("flow.model.error", "agent", f.agent.ID(), "model", llm.Info().Name, "error", genErr.Error())
		return final, core.NewEngineError(core.CodeModelUnavailable, "the language model is unavailable", genErr)
	}

	if !hasFinal {
		return final, core.NewEngineError(core.CodeModelUnavailable, "the language model returned no response", nil)
	}

	// Deliver the part of the final text that was not streamed.
	if text, sent := final.Content.Text(), streamed.String(); strings.HasPrefix(text, sent) && len(text) > len(sent) {
		if err := runCtx.Stream.Delta(text[len(sent):]); err != nil {
			return final, err
		}
	}

	return final, nil
}

// tools returns the agent tools plus the transfer tool when hand-off targets
// are available.
func (f *BaseFlow) tools(runCtx *core.RunContext) map[string]tool.Tool {
	tools := maps.Clone(f.agent.Tools())
	if tools == nil {
		tools = map[string]tool.Tool{}
	}
	if f.allowTransfer && len(runCtx.Targets) > 0 && runCtx.Handoff != nil {
		tools[tool.TransferToolName] = tool.NewTransferToAgentTool(runCtx.Targets)
	}
	return tools
}

func thinkingStep(round int) string {
	if round == 1 {
		return "Understanding your request"
	}
	return "Reviewing tool results"
}

// Package model defines the provider agnostic abstractions for language models
// driving agent turns.
//
//   - Model unifies streaming generation behind a single interface
//   - Registry resolves the model id declared by an agent spec
//   - WithBreaker maps provider outages to core.ErrModelUnavailable
//   - WithRateLimit throttles calls per provider
//   - ScriptedModel replays canned rounds for tests and examples
//
// Providers (OpenAI, Anthropic, Bedrock) live in sub packages.
package model

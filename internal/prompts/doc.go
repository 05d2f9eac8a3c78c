// Package prompts contains the LLM prompt templates used internally by
// butlerd.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, benefit from
// compile-time embedding, and can be validated by tests. User-facing
// configuration (the seed prompt) lives in config.yaml; this package
// holds the instructions sent to the model for internal operations.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts

// Package model defines the language-model collaborator boundary for the
// orchestration engine: normalized conversation messages, tool definitions,
// the request/response shapes exchanged with a provider, and the Model
// interface adapters implement. Provider adapters live in subpackages
// (openai, anthropic); MockModel supports tests and examples.
package model

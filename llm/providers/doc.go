// Package providers implements LLM provider adapters. Importing it registers
// "openai", "ollama" and "anthropic" with the llm package.
package providers

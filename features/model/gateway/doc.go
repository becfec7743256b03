// Package gateway routes model completion requests to provider adapters and
// composes middleware around the selected adapter. Loops hold a single
// model.Client; the router behind it dispatches on Request.Provider so one
// session can mix Anthropic, OpenAI and Bedrock profiles, with cross-cutting
// concerns (rate limiting, logging, request transformation) layered as
// middleware.
package gateway

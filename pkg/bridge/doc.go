// Package bridge adapts stdio JSON-RPC 2.0 to the server's HTTPS API for
// MCP clients: strict request framing, layered configuration, an encrypted
// credential store with automatic token refresh, and server-sent-event
// assembly into single responses.
package bridge

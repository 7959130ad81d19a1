// Package testutil holds shared test doubles: a spy store, a scripted
// search client, a scripted model, and a helper that runs a real MCP tool
// server over HTTP for end-to-end tests.
package testutil

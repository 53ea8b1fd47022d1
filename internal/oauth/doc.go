// Package oauth implements the Slack OAuth bridge at the heart of slackmcp.
//
// It drives the three-legged authorization-code flow against Slack and maps
// the resulting Slack access token to the MCP protocol's own bearer tokens.
// An authorization attempt moves through an explicit state machine persisted
// in the storage backend, because the browser callback that resumes a flow
// may arrive on a different goroutine (or, with DynamoDB storage, a different
// process) than the tool call that started it:
//
//	initiated -> awaiting_callback -> exchanging -> complete
//	                                             -> failed
//	                               -> expired
//
// State tokens are single-use: consumption is an atomic check-and-delete, so
// two concurrent callbacks presenting the same state token cannot both
// succeed. The package also accepts dynamic client registrations so MCP
// clients without a pre-configured client_id (IDE extensions in particular)
// can complete the standard authorization-code flow.
package oauth

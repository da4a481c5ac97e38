// Package chatapi exposes the message pipeline over HTTP.
//
// Every route requires a bearer API key; the resolved user is the actor for
// the mutation. Handlers translate pipeline errors into stable HTTP statuses:
// unknown conversations and messages are 404, non-membership is 403, mutating
// a deleted message is 409, malformed input is 400, and transient store
// failures are 503 so clients know a retry may succeed.
package chatapi

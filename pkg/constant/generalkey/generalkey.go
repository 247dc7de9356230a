// Package generalkey defines common keys used within the application's context
// for logging and request handling. These keys are used to store and retrieve
// request-scoped values from the framework context, keeping the middleware and
// the handlers consistent about where things live.
package generalkey

// ClientLog is the context key used to store log entries for outbound calls
// made while serving the current request. The access-log stage flushes the
// accumulated entries with the final request log line.
const ClientLog = "client-log"

// Logger is the context key used to store the request-scoped logger entry.
// It allows middleware and handlers to access a logger pre-configured with
// the request's transaction id and correlator.
const Logger = "logger"

// RequestContext is the context key used to store the diagnostic request
// context for the current request.
const RequestContext = "request-context"

// Flow is the context key used to store the lifecycle flow handle for the
// current request.
const Flow = "flow"

// CorrelatorHeader is the HTTP header carrying the end-to-end correlator.
// It is read from the request when present and always echoed on the response.
const CorrelatorHeader = "X-Correlator"

// TransactionIDHeader is the HTTP response header carrying the per-request
// transaction id.
const TransactionIDHeader = "X-Transaction-Id"

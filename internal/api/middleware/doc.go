/*
Package middleware provides the HTTP middleware chain of the Pipelex API.

# Components

  - RequestID assigns a UUID to each request, exposed through GetRequestID and
    the X-Request-ID response header.
  - Logging emits one structured line per completed request. Handlers add
    fields with AddLogField and AddError.
  - CORS allows any origin with credentials.
  - Auth validates the bearer token through a ports.AuthProvider and stores
    the caller in the context (GetAuthContext). Authentication failures answer
    401 with {"detail": ...}; a server without the configured secret answers 500.
  - Timeout puts a deadline on the request context.

# Chain Order

 1. RequestID
 2. Logging
 3. CORS
 4. Auth (only on /api/v1 and /admin)
 5. Timeout
 6. Recoverer
 7. OpenTelemetry instrumentation
*/
package middleware

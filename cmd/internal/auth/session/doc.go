// Package session manages the login session lifecycle.
//
// A session binds a user, a client context ("metadata") and an opaque refresh
// token with an absolute expiry. At most one session exists per (user, metadata).
// The Service validates, saves, rotates and deletes sessions, enforces the
// per-user session limit, and revokes every session of a user on any failed
// validation.
//
// Every Service operation returns an outcome.Outcome that separates declared
// exceptions (ValidateException, SessionsLimitReached, ...) from unexpected
// storage failures. Storage is reached only through Repository, inside a unit of
// work provided by a Transactor that is serialized per user.
//
// Transport (HTTP/gRPC) and token cryptography are out of scope here.
package session

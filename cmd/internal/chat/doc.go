// Package chat holds the persisted chat domain: users, conversations,
// participants, messages and read entries.
//
// It defines the Store boundary used by the realtime core and the REST
// surface, with an in-memory implementation for development/tests and a
// PostgreSQL implementation for production. Errors returned by this package
// carry one of the sentinel kinds below so callers can map them to stable
// wire codes and HTTP statuses.
package chat

// Package domain holds the error taxonomy shared by every layer of the relay.
//
// The package depends only on the standard library so that pipeline, mux,
// algo and config can all import it without cycles. Errors fall into three
// groups:
//
//	load time     LoadError wrapping ErrUnresolvedImport, ErrMalformedLayout, ...
//	construction  ConstructionError from cache, pool and mux factories
//	contract      ErrClosedInstance, ErrInvalidRelease
//
// DomainError and ErrorResponse carry errors across the admin API.
package domain

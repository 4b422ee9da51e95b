// Package server hosts the Fiber HTTP front end that stands in for the page's
// network: it assigns request IDs, resolves the site from the Host header, and
// hands every non-diagnostics request to the injected proxy handler.
// Diagnostics live under /-/ and are registered by the routes subpackage, so
// keep exports narrow and accept explicit dependencies.
package server

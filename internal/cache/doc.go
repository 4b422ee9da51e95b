// Package cache defines the versioned, disk-backed response store used by the
// offline cache manager. A Storage owns one directory per site and exposes its
// generations (named <product>-<version>) as independent Stores. Each Store maps
// a request identity (method + absolute URL) to a response snapshot, writing
// body and metadata through temp file + rename so every Put is atomic on its own.
// Eviction is whole-generation only: Storage.Delete removes a generation and
// retires any open handle so late writes cannot resurrect it.
package cache

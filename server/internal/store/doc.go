// Package store holds metric series in memory. It is the default
// seriescache.Backend; the postgres subpackage provides a durable one.
package store

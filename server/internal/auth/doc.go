// Package auth resolves the caller identity from an API key for the HTTP API
// and the gRPC server.
//
// Keys maps secret key values to client names. The resolved name is stored in
// the request context (IdentityFromContext) so rate-limit policies can count
// authenticated callers by identity instead of address.
//
// Modes:
//   - "apikey"  : a valid key is required; missing or wrong keys are rejected
//   - "optional": a valid key attaches an identity, a missing key is anonymous,
//     a wrong key is rejected
//   - "none"    : keys are ignored, every caller is anonymous
package auth

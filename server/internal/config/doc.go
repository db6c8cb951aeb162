// Package config loads config.yaml for the server and sync binaries.
//
// Sections:
//   - server   : listener ports, log level and API-key auth
//   - upstream : OpenDigger base URL, timeout and TLS options
//   - cache    : series TTL (default 24h) and backend (memory|postgres)
//   - summary  : summary TTL (default 300s), metrics, tail and score weights
//   - ratelimit: per-route policy chains (defaults per minute: data 120,
//     summary 30, rank 30, projects 60, contributor_risk 30, batch_risk 10,
//     grpc 600)
//   - sync     : scheduled sweep interval, metrics, retries and lock file
//   - projects : tracked repositories
//
// Load(path) applies defaults before unmarshalling, then validates. Secrets
// are referenced by environment variable name (key_env, dsn_env). Watch
// reloads the file on change.
package config

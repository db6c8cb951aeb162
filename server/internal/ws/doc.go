// Package ws streams the project summary to WebSocket clients.
//
// New(source, interval) creates a Hub. Hub.Notify is registered with
// summary.Cache.OnRebuild so every rebuilt summary is pushed to clients.
// Hub.Run broadcasts queued summaries and, while clients are connected, asks
// the source for the summary every interval so it is rebuilt once its TTL
// passes. Hub.ServeHTTP sends the current summary on connect.
//
// Message format:
//
//	{
//	  "event": "summary",
//	  "data":  {"projects": [ /* same items as GET /api/llm/summary */ ], "built_at": "..."}
//	}
//
// The hub is mounted at /ws/summary by the server.
package ws

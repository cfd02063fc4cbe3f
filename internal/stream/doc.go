// Package stream keeps long-lived server-push channels alive for
// conversational sessions.
//
// A Registry owns one connection record per session id. Each record has:
//   - at most one live Transport (WebSocket or SSE)
//   - a bounded, fixed-delay reconnect policy (Backoff)
//   - a single worker that drains transport signals in order, classifies
//     payloads and feeds the attached session machine before calling the
//     caller's handlers
//
// Records leave the Registry through an explicit Close, CloseAll, exhausted
// retries, or eviction by the Monitor for inactivity. Every exit cancels the
// pending reconnect timer and the liveness ticker before the record is
// dropped, and ends with exactly one OnClose notification.
package stream

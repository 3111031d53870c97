// Package webchat is the HTTP surface of oneline-chat.
//
// Routes:
//   - /api/v1/chat/stream and /api/v1/chat/completions relay prompts through
//     relay.Engine, answering with server-sent events or a single JSON body.
//   - /api/v1/chats, /api/v1/chat/history/{chat_id} expose the caller's history.
//   - /api/agents/... lists agents and binds them to chats.
//   - /api/v1/chats/{chat_id}/share and /api/v1/shared/{token} manage share links.
//   - /ws?chat_id= streams relay events of one chat through the StreamHub.
//
// The principal is an anonymous cookie session unless a trusted proxy sets
// X-User-ID. Server runs the HTTP listener together with the stream hub, the
// agent prober and the share janitor.
package webchat

// Package quillsync is the real-time synchronization core of the Quill notes
// and chat client.
//
// A [Client] keeps one authenticated push channel per identity and runs three
// consumers of it on a single event loop:
//
//   - the connection manager in [github.com/quillnote/quillsync/pkg/connection],
//     which reconnects with backoff and signs the user out exactly once when
//     the server revokes the session;
//   - the reconciliation engine in [github.com/quillnote/quillsync/pkg/reconcile],
//     which patches the visible page in place or re-fetches it, coalescing
//     bursts of events into one fetch per view;
//   - the call machine and surface in [github.com/quillnote/quillsync/pkg/call],
//     which negotiate voice and video calls with the peer.
//
// # Identity lifecycle
//
// [Client.Start] connects with the token found in the token store. [Client.Login]
// switches identity and [Client.Logout] drops everything the identity owned.
// Applications that want one client per process use [Init], [Default] and
// [Reset].
//
// # Threading
//
// Handlers, timers and observers all run on the client's loop. The Client
// methods wrap loop work so they can be called from any goroutine, but they
// must not be called from inside a handler, observer or renderer.
//
// # Examples
//
// The [github.com/quillnote/quillsync/contrib/quillwatch] directory contains
// a headless client that logs what it sees.
package quillsync

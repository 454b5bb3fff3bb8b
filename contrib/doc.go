// Package contrib provides tools built on top of the quillsync client.
//
// Everything here is outside of the compatibility guarantees of the core
// packages and may change without following semantic versioning.
//
// [github.com/quillnote/quillsync/contrib/quillwatch] is a headless client
// that connects with a saved or given token, logs pushed events and view
// changes, answers or rejects calls and serves its status and metrics.
package contrib

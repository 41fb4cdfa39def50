// Package server hosts remoting sessions.
//
// Each client session owns a Context: a bean repository, the engine that
// synchronizes it with the client, a garbage collector and a task queue for
// work deferred to the next exchange. Sessions live in a Store that expires
// idle contexts.
//
// Three transports reach the same exchange:
//
//   - HTTP: POST a JSON array of commands, the response is the array of
//     outbound commands. The session is named by the X-Remoting-Client-Id
//     header.
//   - WebSocket: each text message is an envelope {clientId, seq, commands}
//     and is answered by an envelope with the same seq.
//   - JSON-RPC 2.0 over TCP: method "remoting.exchange" takes and returns
//     an envelope.
//
// A batch holding StartLongPoll blocks until a deferred task is queued, the
// poll is interrupted by another request or the configured maximum wait
// elapses. A batch made of InterruptLongPoll alone is a release: it wakes
// the pending poll, or makes the next one return at once, without waiting
// for the session.
package server

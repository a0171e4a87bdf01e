// Package server accepts client connections and runs one Session per
// socket.
//
// A Session decodes command arrays, dispatches them on the upper-cased
// verb and writes the reply. On a master, SET goes through the
// replication Manager so the write is applied, counted in the
// replication offset and queued for every replica before OK is sent.
// PSYNC turns the session into a replica link served by the Manager.
//
// A node running as a replica also hands the connection it opened to its
// master to ServeMaster. That session runs in replication-link mode: it
// applies the streamed writes silently and only answers
// REPLCONF GETACK with the offset it has processed.
//
// Unknown commands are ignored without a reply unless strict mode is
// enabled, in which case they get an "unknown command" error.
package server

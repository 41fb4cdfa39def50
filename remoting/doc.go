// Package remoting implements the synchronization engine of a session.
//
// An Engine observes a beans.Repository. Changes made locally become
// outbound commands handed to a sink in the order they happen; inbound
// command batches are applied to the repository with the remote source tag
// so that they are never echoed back. The engine also owns the session's
// garbage collector and its live controllers, and dispatches CallAction
// commands to controller actions.
package remoting

// Package serial wraps an operation so that concurrent invocations run
// strictly one at a time, in the order they were submitted.
//
// Submitting a call never blocks: the caller immediately receives a Future
// that settles with the operation's own result once every earlier call on
// the same queue has settled. A failed or panicking call never stops the
// calls queued behind it.
package serial

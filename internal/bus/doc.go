// Package bus is the publish/subscribe transport between the engine agents and
// libraries.
//
// Publications never block: Offer and TryClaim return a stream position or a
// negative sentinel (BackPressured, Closed, PayloadTooLarge). Subscriptions
// are polled with a fragment limit and a handler that may Abort to have the
// same fragment redelivered on the next poll.
//
// The in-process implementation keeps a bounded log per stream. A claimed
// entry is visible to readers only once committed; readers stop in front of
// an uncommitted claim, so positions are exact and ordering is preserved.
package bus

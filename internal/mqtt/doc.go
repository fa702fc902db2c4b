// Package mqtt manages the conductor's broker session: a single client
// identified by the device hostname, a registry of exact-topic handlers,
// and a cooldown-gated reconnect loop driven from the orchestrator's poll.
//
// The session never blocks its caller. Dialing, subscribing and sending
// happen on goroutines behind the [Transport] interface; their results
// and inbound messages are queued on channels that [Session.Poll] drains.
// On every (re-)connect the session re-subscribes every registered topic
// and announces the hostname on the announce topic so controllers can
// discover the panel.
package mqtt

// Package chatsync keeps a chat view in sync with the message broker.
//
// A Session owns one ConnectionManager (the physical STOMP connection and its
// retry loop), one SubscriptionRegistry (the topics of the open conversation),
// a Deduplicator per delivery stream and a Publisher for outbound drafts.
// Every asynchronous continuation carries the generation it was started under
// and does nothing once that generation has been torn down.
package chatsync

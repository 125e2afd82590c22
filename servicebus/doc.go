/*
Package servicebus implements an in-process message bus of named channels.

Publishers send messages to a channel and every live subscriber of that channel
receives them in send order. Requests are correlated with their responses by id
and fail with a no-response error when nothing answers in time. Channels may be
marked galactic, in which case traffic is bridged through a registered broker
adapter instead of being delivered locally.
*/
package servicebus

/*
Package rabbitmq provides a RabbitMQ broker for galactic bus channels.
Channels map to routing keys on a topic exchange; every listener binds its own
exclusive queue. It includes an auto-reconnect session and supports optional
header propagation via a bus.HeaderPropagator.
*/
package rabbitmq

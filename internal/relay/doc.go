// Package relay is an in-process stand-in for a homeserver.
//
// A Hub holds what the group-session core needs from a server: published
// device keys, one-time key pools, to-device queues and room membership.
// Devices talk to it through a Client; each user's view of room state is a
// RoomView.
//
// Federation trouble is simulated per server name: SetServer marks a server
// down or slow, and one-time-key claims against it then fail the way a real
// claim would report a failed server.
//
// The Hub records every to-device message it accepts so tests can assert on
// traffic. Handler serves the same operations as JSON over HTTP, and
// HTTPClient with its HTTPRoomView is the matching client for devices in
// other processes.
package relay

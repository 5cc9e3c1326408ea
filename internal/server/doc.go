// Package server is livechat's HTTP transport.
//
// It exposes message submission (/send-message), history reads (/chat),
// and two live push channels for a conversation: Server-Sent Events on
// /chat-updates and WebSocket on /ws. Both push channels are delivery
// streams registered with the subscription registry; a client that passes
// the last message ID it has seen first receives the gap from history and
// then continues live without duplicates.
//
// The implementation is organized into specialized files for the app
// lifecycle, routing, handlers, the two push pumps, origin checks and rate
// limiting.
package server

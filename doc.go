// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package a2s provides mechanisms for decoding and encoding the A2S_RULES response of the Source
server query protocol as described by Valve Software at
https://developer.valvesoftware.com/wiki/Server_queries#A2S_RULES.

Some servers hide a table of installed mods inside the ordinary rule list. The table is split
across several carrier entries whose two byte names encode a (fragment index, fragment count)
pair, and whose values are byte-stuffed so the table survives transport inside null terminated
strings. [DecodeRules] reassembles these carriers and reports the table as [Mod] rules following
every [Regular] rule.

A [Client] performs the challenge handshake and split packet reassembly required to fetch a rules
response from a server, and a [Server] answers rules queries with a fixed rule list for tests and
local development.
*/
package a2s

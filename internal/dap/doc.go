/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap provides the IDE-facing side of the QML debug bridge: a Debug Adapter Protocol
message transport and a test client that drives an adapter the way an IDE would.

# Transports

Messages are framed with the standard DAP "Content-Length" header, encoded and decoded by
github.com/google/go-dap. Two transports are available:

  - NewStdioTransport: the adapter is started by the IDE and talks over stdin/stdout.
  - NewConnTransport: the adapter listens on TCP (`qmldap serve --listen`) and the IDE connects.

Writes are serialized, so request handlers running on separate goroutines may respond
concurrently. Reads happen on a single goroutine owned by the session.

# Test client

TestClient correlates responses with requests by request sequence number and queues events.
It is used by the session tests together with a fake QML runtime.
*/
package dap

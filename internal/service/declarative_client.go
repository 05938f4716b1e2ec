/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/qmlhelper/qmldap/internal/packet"
)

const (
	DeclarativeClientName = "QDeclarativeDebugClient"

	ProtocolVersion = 1

	declarativeOpHello = "HELLO"
)

// Plugins the bridge asks the runtime for.
var RequestedPlugins = []string{V8DebuggerName, QmlDebuggerName, DebugMessagesName}

// DeclarativeClient performs the protocol handshake.
type DeclarativeClient struct {
	*Service
}

func NewDeclarativeClient(opts Options) *DeclarativeClient {
	return &DeclarativeClient{
		Service: New(Config{Options: opts, Name: DeclarativeClientName}),
	}
}

// Handshake exchanges HELLO messages and returns the plugins the runtime offers.
func (d *DeclarativeClient) Handshake(ctx context.Context) ([]string, error) {
	hello := packet.New().WriteInt32(ProtocolVersion).WriteUint32(uint32(len(RequestedPlugins)))
	for _, plugin := range RequestedPlugins {
		hello.WriteStringUTF16(plugin)
	}

	reply, err := d.Request(ctx, declarativeOpHello, hello)
	if err != nil {
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	version, versionErr := reply.ReadInt32()
	if versionErr != nil {
		return nil, fmt.Errorf("%w: handshake protocol version: %w", ErrMalformedResponse, versionErr)
	}
	count, countErr := reply.ReadUint32()
	if countErr != nil {
		return nil, fmt.Errorf("%w: handshake plugin count: %w", ErrMalformedResponse, countErr)
	}

	plugins := make([]string, 0, min(int(count), reply.Remaining()/4))
	for i := uint32(0); i < count; i++ {
		plugin, pluginErr := reply.ReadStringUTF16()
		if pluginErr != nil {
			return nil, fmt.Errorf("%w: handshake plugin %d: %w", ErrMalformedResponse, i, pluginErr)
		}
		plugins = append(plugins, plugin)
	}

	if version != ProtocolVersion {
		return plugins, &RemoteError{
			Command: declarativeOpHello,
			Message: fmt.Sprintf("unsupported protocol version %d (expected %d)", version, ProtocolVersion),
		}
	}
	if !slices.Contains(plugins, V8DebuggerName) {
		return plugins, &RemoteError{
			Command: declarativeOpHello,
			Message: fmt.Sprintf("the runtime does not offer the %s service", V8DebuggerName),
		}
	}

	d.log.V(1).Info("Handshake completed", "plugins", plugins)
	return plugins, nil
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package service

import (
	"context"
	"fmt"

	"github.com/qmlhelper/qmldap/internal/packet"
)

const (
	QmlDebuggerName = "QmlDebugger"

	qmlOpListEngines   = "LIST_ENGINES"
	qmlOpObjectCreated = "OBJECT_CREATED"
)

// Engine is a QML engine running in the debugged process.
type Engine struct {
	Name    string
	DebugId uint32
}

// QmlDebugger enumerates engines.
type QmlDebugger struct {
	*Service
}

func NewQmlDebugger(opts Options) *QmlDebugger {
	q := &QmlDebugger{}
	q.Service = New(Config{
		Options: opts,
		Name:    QmlDebuggerName,
		IsEvent: EventOperations(qmlOpObjectCreated),
		OnEvent: q.handleEvent,
	})
	return q
}

// Object creation notifications are recognized but nothing acts on them.
func (q *QmlDebugger) handleEvent(operation string, seq uint32, fields *packet.Packet) error {
	q.log.V(1).Info("Ignoring notification", "operation", operation, "seq", seq, "size", fields.Remaining())
	return nil
}

func (q *QmlDebugger) ListEngines(ctx context.Context) ([]Engine, error) {
	reply, err := q.Request(ctx, qmlOpListEngines, nil)
	if err != nil {
		return nil, err
	}

	count, countErr := reply.ReadUint32()
	if countErr != nil {
		return nil, fmt.Errorf("%w: engine count: %w", ErrMalformedResponse, countErr)
	}

	// Guard the allocation against garbage counts; each entry needs at least 8 bytes.
	engines := make([]Engine, 0, min(int(count), reply.Remaining()/8))
	for i := uint32(0); i < count; i++ {
		name, nameErr := reply.ReadString()
		if nameErr != nil {
			return nil, fmt.Errorf("%w: engine %d name: %w", ErrMalformedResponse, i, nameErr)
		}
		id, idErr := reply.ReadUint32()
		if idErr != nil {
			return nil, fmt.Errorf("%w: engine %d id: %w", ErrMalformedResponse, i, idErr)
		}
		engines = append(engines, Engine{Name: name, DebugId: id})
	}
	return engines, nil
}

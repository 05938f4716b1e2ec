/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package service

import (
	"fmt"

	"github.com/qmlhelper/qmldap/internal/packet"
)

const (
	DebugMessagesName = "DebugMessages"

	debugMessagesOpMessage = "MESSAGE"
)

type MessageType int32

const (
	MessageDebug MessageType = iota
	MessageWarning
	MessageCritical
	MessageFatal
	MessageInfo
)

func (t MessageType) String() string {
	switch t {
	case MessageDebug:
		return "debug"
	case MessageWarning:
		return "warning"
	case MessageCritical:
		return "critical"
	case MessageFatal:
		return "fatal"
	case MessageInfo:
		return "info"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

// IsError reports whether the message belongs on the error stream.
func (t MessageType) IsError() bool {
	return t == MessageWarning || t == MessageCritical || t == MessageFatal
}

// ConsoleMessage is a console.log()/qDebug() style message emitted by the application.
type ConsoleMessage struct {
	Type     MessageType
	Message  string
	File     string
	Line     int
	Function string
}

// DebugMessages forwards application console output. It never issues requests.
type DebugMessages struct {
	*Service
	onMessage func(ConsoleMessage)
}

func NewDebugMessages(opts Options, onMessage func(ConsoleMessage)) *DebugMessages {
	d := &DebugMessages{onMessage: onMessage}
	d.Service = New(Config{
		Options: opts,
		Name:    DebugMessagesName,
		IsEvent: EventOperations(debugMessagesOpMessage),
		OnEvent: d.handleEvent,
	})
	return d
}

func (d *DebugMessages) handleEvent(_ string, _ uint32, fields *packet.Packet) error {
	msg, decodeErr := decodeConsoleMessage(fields)
	if decodeErr != nil {
		return decodeErr
	}
	if d.onMessage != nil {
		d.onMessage(msg)
	}
	return nil
}

func decodeConsoleMessage(p *packet.Packet) (ConsoleMessage, error) {
	var msg ConsoleMessage

	msgType, typeErr := p.ReadInt32()
	if typeErr != nil {
		return msg, fmt.Errorf("%w: message type: %w", ErrMalformedResponse, typeErr)
	}
	text, textErr := p.ReadString()
	if textErr != nil {
		return msg, fmt.Errorf("%w: message text: %w", ErrMalformedResponse, textErr)
	}
	file, fileErr := p.ReadString()
	if fileErr != nil {
		return msg, fmt.Errorf("%w: message file: %w", ErrMalformedResponse, fileErr)
	}
	line, lineErr := p.ReadInt32()
	if lineErr != nil {
		return msg, fmt.Errorf("%w: message line: %w", ErrMalformedResponse, lineErr)
	}
	function, functionErr := p.ReadString()
	if functionErr != nil {
		return msg, fmt.Errorf("%w: message function: %w", ErrMalformedResponse, functionErr)
	}

	msg.Type = MessageType(msgType)
	msg.Message = text
	msg.File = file
	msg.Line = int(line)
	msg.Function = function
	return msg, nil
}

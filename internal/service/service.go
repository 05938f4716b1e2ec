/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package service implements the request/response correlation shared by every sub-protocol
// of the QML debug wire protocol, and the typed services built on top of it.
//
// Each request goes out as
//
//	UTF-16 service name, sub-packet( UTF-8 operation, u32 sequence id, operation fields )
//
// and is resolved by the first inbound message of the same service carrying the same sequence id.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/qmlhelper/qmldap/internal/packet"
	"github.com/qmlhelper/qmldap/internal/wire"
	"github.com/qmlhelper/qmldap/pkg/syncmap"
)

const DefaultRequestTimeout = 10 * time.Second

// Sender writes one complete frame payload to the debug runtime.
type Sender interface {
	WriteFrame(payload []byte) error
}

// EventHandler receives unsolicited messages. The fields packet is positioned after the sequence id.
// A returned error is treated as a decode failure of the frame.
type EventHandler func(operation string, seq uint32, fields *packet.Packet) error

// Options are the settings shared by all services of a session.
type Options struct {
	Sender         Sender
	Logger         logr.Logger
	RequestTimeout time.Duration
}

// Config describes one sub-protocol service.
type Config struct {
	Options

	// Sub-protocol tag, for example "V8Debugger".
	Name string

	// Reports whether an inbound message is an unsolicited event rather than a response.
	// The fields packet is a private copy and may be consumed. Nil means no events.
	IsEvent func(operation string, seq uint32, fields *packet.Packet) bool

	OnEvent EventHandler
}

type result struct {
	fields *packet.Packet
	err    error
}

type pendingRequest struct {
	operation string
	resultCh  chan result
}

// Service correlates requests with responses for one sub-protocol.
type Service struct {
	name    string
	sender  Sender
	log     logr.Logger
	timeout time.Duration
	isEvent func(string, uint32, *packet.Packet) bool
	onEvent EventHandler

	seq     atomic.Uint32
	pending syncmap.Map[uint32, *pendingRequest]
	closed  atomic.Bool
}

func New(config Config) *Service {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	isEvent := config.IsEvent
	if isEvent == nil {
		isEvent = func(string, uint32, *packet.Packet) bool { return false }
	}
	onEvent := config.OnEvent
	if onEvent == nil {
		onEvent = func(string, uint32, *packet.Packet) error { return nil }
	}

	return &Service{
		name:    config.Name,
		sender:  config.Sender,
		log:     log.WithValues("service", config.Name),
		timeout: timeout,
		isEvent: isEvent,
		onEvent: onEvent,
	}
}

// EventOperations returns an IsEvent function matching the given operation names.
func EventOperations(operations ...string) func(string, uint32, *packet.Packet) bool {
	set := make(map[string]struct{}, len(operations))
	for _, op := range operations {
		set[op] = struct{}{}
	}
	return func(operation string, _ uint32, _ *packet.Packet) bool {
		_, found := set[operation]
		return found
	}
}

func (s *Service) Name() string {
	return s.name
}

// Register makes the service receive the frames tagged with its name.
func (s *Service) Register(router *wire.Router) {
	router.RegisterHandler(s.name, s.HandleFrame)
}

// Request sends an operation and waits for the correlated response. The returned packet is
// positioned at the first response field. Fields may be nil.
func (s *Service) Request(ctx context.Context, operation string, fields *packet.Packet) (*packet.Packet, error) {
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}

	seq := s.seq.Add(1)
	inner := packet.New().WriteString(operation).WriteUint32(seq).Append(fields)
	envelope := packet.New().WriteStringUTF16(s.name).WritePacket(inner)

	pr := &pendingRequest{operation: operation, resultCh: make(chan result, 1)}
	s.pending.Store(seq, pr)

	// Close() may have drained the table between the check above and Store().
	if s.closed.Load() {
		if _, owned := s.pending.LoadAndDelete(seq); owned {
			return nil, ErrServiceClosed
		}
		res := <-pr.resultCh
		return res.fields, res.err
	}

	s.log.V(1).Info("Sending request", "operation", operation, "seq", seq)
	if writeErr := s.sender.WriteFrame(envelope.Bytes()); writeErr != nil {
		if _, owned := s.pending.LoadAndDelete(seq); owned {
			return nil, fmt.Errorf("failed to send %s request: %w", operation, writeErr)
		}
		res := <-pr.resultCh
		return res.fields, res.err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-pr.resultCh:
		return res.fields, res.err

	case <-timer.C:
		if _, owned := s.pending.LoadAndDelete(seq); owned {
			s.log.Info("Request timed out", "operation", operation, "seq", seq, "timeout", s.timeout)
			return nil, fmt.Errorf("%s %s (sequence id %d): %w", s.name, operation, seq, ErrRequestTimeout)
		}

	case <-ctx.Done():
		if _, owned := s.pending.LoadAndDelete(seq); owned {
			return nil, fmt.Errorf("%s %s (sequence id %d) was abandoned: %w", s.name, operation, seq, ctx.Err())
		}
	}

	// The response won the race for the pending entry; its result is on the way.
	res := <-pr.resultCh
	return res.fields, res.err
}

// HandleFrame is the router handler of the service. It always consumes the frame.
func (s *Service) HandleFrame(_ string, payload *packet.Packet) (bool, error) {
	msg, msgErr := payload.ReadPacket()
	if msgErr != nil {
		return true, fmt.Errorf("failed to read %s message: %w", s.name, msgErr)
	}
	operation, opErr := msg.ReadString()
	if opErr != nil {
		return true, fmt.Errorf("failed to read %s operation: %w", s.name, opErr)
	}
	seq, seqErr := msg.ReadUint32()
	if seqErr != nil {
		return true, fmt.Errorf("failed to read %s sequence id: %w", s.name, seqErr)
	}

	if s.isEvent(operation, seq, msg.Clone()) {
		s.log.V(1).Info("Received event", "operation", operation, "seq", seq)
		if eventErr := s.onEvent(operation, seq, msg); eventErr != nil {
			return true, fmt.Errorf("failed to handle %s %s event: %w", s.name, operation, eventErr)
		}
		return true, nil
	}

	pr, found := s.pending.LoadAndDelete(seq)
	if !found {
		s.log.Info("Dropping message with unknown sequence id", "operation", operation, "seq", seq)
		return true, nil
	}

	s.log.V(1).Info("Received response", "operation", operation, "seq", seq, "request", pr.operation)
	pr.resultCh <- result{fields: msg}
	return true, nil
}

// Close rejects every pending request and makes future requests fail with ErrServiceClosed.
// The cause, if not nil, is attached to the rejection.
func (s *Service) Close(cause error) {
	s.closed.Store(true)

	rejection := ErrServiceClosed
	if cause != nil && !errors.Is(cause, ErrServiceClosed) {
		rejection = fmt.Errorf("%w: %w", ErrServiceClosed, cause)
	}

	s.pending.Range(func(seq uint32, _ *pendingRequest) bool {
		if pr, owned := s.pending.LoadAndDelete(seq); owned {
			pr.resultCh <- result{err: rejection}
		}
		return true
	})
}

// Pending returns the number of requests still waiting for a response.
func (s *Service) Pending() int {
	return s.pending.Len()
}

func (s *Service) Initialize(_ context.Context) error {
	s.log.V(1).Info("Service initialized")
	return nil
}

func (s *Service) Deinitialize(_ context.Context) error {
	s.log.V(1).Info("Service deinitialized", "pending", s.Pending())
	s.Close(nil)
	return nil
}

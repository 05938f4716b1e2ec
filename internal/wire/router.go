/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package wire

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/qmlhelper/qmldap/internal/packet"
)

// Wildcard is the tag of a handler that is offered every frame.
const Wildcard = "*"

// Handler processes the payload of one frame that follows the sub-protocol tag.
// It returns consumed=true to stop the dispatch, or false to let the next matching handler see the frame.
// A non-nil error means the frame could not be decoded; dispatch stops and the error is reported upward.
type Handler func(tag string, payload *packet.Packet) (consumed bool, err error)

type registration struct {
	tag     string
	handler Handler
}

// Router reads the sub-protocol tag at the front of each frame and forwards the rest of the
// payload to registered handlers, in registration order.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
	log      logr.Logger
}

func NewRouter(log logr.Logger) *Router {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Router{log: log}
}

// RegisterHandler adds a handler for the given tag (or Wildcard).
func (r *Router) RegisterHandler(tag string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, registration{tag: tag, handler: handler})
}

// Dispatch routes one complete frame payload. Frames that no handler consumes are dropped.
func (r *Router) Dispatch(frame []byte) error {
	p := packet.FromBytes(frame)
	tag, tagErr := p.ReadStringUTF16()
	if tagErr != nil {
		return fmt.Errorf("failed to read sub-protocol tag: %w", tagErr)
	}

	r.mu.RLock()
	handlers := make([]registration, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, reg := range handlers {
		if reg.tag != tag && reg.tag != Wildcard {
			continue
		}

		// Every handler reads from the same starting position, even if a previous one yielded mid-way.
		consumed, handlerErr := reg.handler(tag, p.Clone())
		if handlerErr != nil {
			return fmt.Errorf("failed to handle %q frame: %w", tag, handlerErr)
		}
		if consumed {
			return nil
		}
	}

	r.log.V(1).Info("Dropping frame with no consuming handler", "tag", tag, "size", len(frame))
	return nil
}

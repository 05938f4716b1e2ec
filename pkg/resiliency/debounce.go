/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"sync"
	"time"
)

// DebounceLastAction runs an action once a burst of Run() calls has settled.
// The action is called with the argument of the most recent call, delay after that call,
// but no later than maxDelay after the first call of the burst.
// Run() never waits for the action; the action runs on a separate goroutine.
type DebounceLastAction[T any] struct {
	delay    time.Duration
	maxDelay time.Duration
	action   func(T)

	m         sync.Mutex
	timer     *time.Timer
	threshold time.Time
	arg       T
	running   bool
}

func NewDebounceLastAction[T any](action func(T), delay, maxDelay time.Duration) *DebounceLastAction[T] {
	if maxDelay < delay {
		maxDelay = delay
	}
	return &DebounceLastAction[T]{
		delay:    delay,
		maxDelay: maxDelay,
		action:   action,
	}
}

func (dl *DebounceLastAction[T]) Run(ctx context.Context, arg T) {
	dl.m.Lock()
	defer dl.m.Unlock()

	dl.arg = arg
	if !dl.running {
		dl.running = true
		dl.timer = time.NewTimer(dl.delay)
		dl.threshold = time.Now().Add(dl.maxDelay)
		go dl.wait(ctx, dl.timer)
		return
	}

	next := time.Now().Add(dl.delay)
	if next.After(dl.threshold) {
		next = dl.threshold
	}
	dl.timer.Reset(time.Until(next))
}

func (dl *DebounceLastAction[T]) wait(ctx context.Context, timer *time.Timer) {
	select {
	case <-timer.C:
		dl.m.Lock()
		arg := dl.arg
		dl.reset()
		dl.m.Unlock()
		dl.action(arg)

	case <-ctx.Done():
		dl.m.Lock()
		dl.timer.Stop()
		dl.reset()
		dl.m.Unlock()
	}
}

func (dl *DebounceLastAction[T]) reset() {
	dl.running = false
	dl.threshold = time.Time{}
	dl.arg = *new(T)
}

/*
Copyright 2023 The Splice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package status

import (
	"sync"
)

// Notifier holds a status and broadcasts transitions to subscribers over
// watch-style channels. The current value is always observable via GetStatus,
// so a subscriber that misses intermediate transitions still converges.
type Notifier struct {
	lock        sync.Mutex
	current     Status
	subscribers []chan Status
}

func NewNotifier(initial Status) *Notifier {
	return &Notifier{
		current: initial,
	}
}

// GetStatus returns the current status
func (n *Notifier) GetStatus() Status {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.current
}

// SetStatus transitions to the given status and notifies subscribers.
// Setting the current status again is a no-op.
func (n *Notifier) SetStatus(newStatus Status) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.current == newStatus {
		return
	}

	n.current = newStatus

	for _, subscriber := range n.subscribers {

		// drop the stale value if the subscriber hasn't drained it yet
		select {
		case <-subscriber:
		default:
		}

		subscriber <- newStatus
	}
}

// Subscribe returns a channel carrying the most recent status transition.
// The channel has a single-slot buffer; only the latest transition is retained.
func (n *Notifier) Subscribe() <-chan Status {
	n.lock.Lock()
	defer n.lock.Unlock()

	subscriber := make(chan Status, 1)
	n.subscribers = append(n.subscribers, subscriber)

	return subscriber
}

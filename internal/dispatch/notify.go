// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"time"

	"github.com/spinedata/spine/internal/ledger"
)

// Notification is one lifecycle transition observed by the worker.
type Notification struct {
	ExecutionID string        `json:"execution_id"`
	Workflow    string        `json:"workflow"`
	Status      ledger.Status `json:"status"`
	At          time.Time     `json:"at"`
}

// Subscribe returns a channel of lifecycle notifications and a cancel
// function. The channel is bounded; when a subscriber falls behind, the
// oldest notification is dropped, never the newest. Cancel closes the
// channel.
func (w *Worker) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)

	w.subMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	w.subMu.Unlock()

	return ch, func() {
		w.subMu.Lock()
		defer w.subMu.Unlock()
		if _, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(ch)
		}
	}
}

func (w *Worker) publish(exec *ledger.Execution, status ledger.Status) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	if len(w.subs) == 0 {
		return
	}
	n := Notification{ExecutionID: exec.ID, Workflow: exec.Workflow, Status: status, At: time.Now().UTC()}
	for _, ch := range w.subs {
		select {
		case ch <- n:
		default:
			// Full subscriber: shed the oldest entry to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- n:
			default:
			}
		}
	}
}

package funk

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"time"

	log "github.com/sirupsen/logrus"
)

func (c *meshCluster) logStateChange() {
	log.WithFields(log.Fields{
		"state": c.state.String(),
	}).Debug("state changed")
}

// sendEvent sends an event to the subscribers. Subscribers that don't read
// the event within a second miss it.
func (c *meshCluster) sendEvent(ev Event) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for _, v := range c.eventChannels {
		select {
		case v <- ev:
			// great success
		case <-time.After(1 * time.Second):
			// drop event
		}
	}
}

func (c *meshCluster) setState(newState NodeState) {
	c.stateMutex.Lock()
	changed := c.state != newState
	if changed {
		c.state = newState
		c.logStateChange()
	}
	c.stateMutex.Unlock()

	if changed {
		size := 1
		if c.view != nil {
			size = c.view.Snapshot().Size()
		}
		c.sendEvent(Event{State: newState, Size: size})
	}
}

func (c *meshCluster) State() NodeState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

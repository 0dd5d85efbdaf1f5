// Package eventbus carries pipeline notifications to in-process subscribers.
package eventbus

import (
	"sync"

	"dyzen-server-go/internal/utils"
)

var (
	defaultBus *AsyncEventBus
	once       sync.Once
)

// Init creates and starts the process-wide bus. Later calls return the
// same instance.
func Init(workers, queueSize int, logger *utils.Logger) *AsyncEventBus {
	once.Do(func() {
		defaultBus = NewAsyncEventBus(workers, queueSize, logger)
		defaultBus.Start()
	})
	return defaultBus
}

// Shutdown stops the process-wide bus if it was created.
func Shutdown() {
	if defaultBus != nil {
		defaultBus.Stop()
	}
}

package eventbus

import (
	"dyzen-server-go/internal/utils"
)

// SubscribeLogging logs every pipeline event at debug level.
func SubscribeLogging(bus *AsyncEventBus, logger *utils.Logger) error {
	for _, topic := range Topics {
		topic := topic
		err := bus.Subscribe(topic, func(args ...interface{}) {
			if len(args) == 0 {
				return
			}
			logger.DebugTag("EVENT", "%s %+v", topic, args[0])
		})
		if err != nil {
			return err
		}
	}
	return nil
}

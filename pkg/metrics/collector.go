package metrics

import (
	"time"

	"github.com/cirlog/modulo/pkg/events"
	"github.com/cirlog/modulo/pkg/hsdb"
)

// Collector polls the storage engine on an interval and folds diagnostic
// events into the counters.
type Collector struct {
	engine *hsdb.Engine
	broker *events.Broker
	sub    events.Subscriber
	stopCh chan struct{}
}

// NewCollector creates a collector for the engine. broker is optional; when
// set, diagnostic events feed the operation and reconnect counters.
func NewCollector(engine *hsdb.Engine, broker *events.Broker) *Collector {
	return &Collector{
		engine: engine,
		broker: broker,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	if c.broker != nil {
		c.sub = c.broker.Subscribe()
		go c.consume()
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	if c.broker != nil && c.sub != nil {
		c.broker.Unsubscribe(c.sub)
	}
}

func (c *Collector) collect() {
	for _, model := range c.engine.Models() {
		count, err := c.engine.Count(model)
		if err != nil {
			continue
		}
		EntitiesTotal.WithLabelValues(model).Set(float64(count))
	}
	EntitiesResident.Set(float64(c.engine.Resident()))

	quarantined := 0.0
	if c.engine.Quarantined() {
		quarantined = 1
	}
	EngineQuarantined.Set(quarantined)
	UpdateComponent("engine", !c.engine.Quarantined(), c.engine.Mode().String())
}

func (c *Collector) consume() {
	for {
		select {
		case event, ok := <-c.sub:
			if !ok {
				return
			}
			c.apply(event)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) apply(event *events.Event) {
	switch event.Type {
	case events.EventEntityCreated:
		EntityOperationsTotal.WithLabelValues("create").Inc()
	case events.EventEntityUpdated:
		EntityOperationsTotal.WithLabelValues("update").Inc()
	case events.EventEntityDeleted:
		EntityOperationsTotal.WithLabelValues("delete").Inc()
	case events.EventEngineQuarantined:
		EngineQuarantined.Set(1)
		UpdateComponent("engine", false, event.Message)
	case events.EventEngineRecovered:
		EngineQuarantined.Set(0)
		UpdateComponent("engine", true, "recovered")
	case events.EventBusConnected:
		UpdateComponent("bus", true, "connected")
	case events.EventBusReconnected:
		BusReconnectsTotal.Inc()
		UpdateComponent("bus", true, "reconnected")
	case events.EventBusTerminated:
		UpdateComponent("bus", false, "terminated")
	case events.EventTransportConnected:
		TransportReconnectsTotal.Inc()
	case events.EventDeadLetter:
		DeadLettersTotal.Inc()
	}
}

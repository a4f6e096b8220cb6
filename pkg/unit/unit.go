package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cirlog/modulo/pkg/bus"
	"github.com/cirlog/modulo/pkg/config"
	"github.com/cirlog/modulo/pkg/events"
	"github.com/cirlog/modulo/pkg/hsdb"
	"github.com/cirlog/modulo/pkg/log"
	"github.com/cirlog/modulo/pkg/metrics"
	"github.com/cirlog/modulo/pkg/schema"
	"github.com/cirlog/modulo/pkg/transport"
	"github.com/cirlog/modulo/pkg/types"
)

// Bus messages units exchange about each other
const (
	msgUnitAttached = "unit.attached"
	msgUnitDetached = "unit.detached"
)

// Commands every unit answers
const (
	CommandPing = "ping"
	CommandKill = "kill"
	CommandList = "list"
)

// Unit composes one storage engine, one bus client and the configured
// transport workers into a runnable process. Backend units additionally
// maintain the unit registry: every attach broadcast on the notifications
// channel is upserted as a storage entity, so listing connected units is a
// plain query.
type Unit struct {
	cfg  *config.Config
	kind types.UnitKind

	engine    *hsdb.Engine
	manager   *bus.Manager
	server    *transport.Server
	client    *transport.Client
	broker    *events.Broker
	collector *metrics.Collector
	httpSrv   *http.Server

	killCh   chan struct{}
	killOnce sync.Once
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New builds a unit from configuration. registry may already hold domain
// models; the unit model is added to it. busBroker overrides the Redis
// broker built from the config (used by tests).
func New(cfg *config.Config, registry *schema.Registry, busBroker bus.Broker) (*Unit, error) {
	if cfg.Unit.Name == "" {
		return nil, fmt.Errorf("unit requires a name")
	}
	kind, err := types.ParseUnitKind(cfg.Unit.Kind)
	if err != nil {
		return nil, err
	}

	if registry == nil {
		registry = schema.NewRegistry()
	}
	if err := RegisterModel(registry); err != nil {
		return nil, err
	}

	broker := events.NewBroker()

	mode := hsdb.ModePersistent
	if cfg.InMemory() {
		mode = hsdb.ModeInMemory
	}
	engine, err := hsdb.NewEngine(hsdb.Config{
		Root:        cfg.Storage.Root,
		Mode:        mode,
		Registry:    registry,
		MaxResident: cfg.Storage.MaxResident,
		Broker:      broker,
	})
	if err != nil {
		return nil, err
	}

	if busBroker == nil {
		busBroker = bus.NewRedisBroker(cfg.Broker.Addr, cfg.Broker.DB, cfg.Broker.Password)
	}
	manager, err := bus.NewManager(bus.ManagerConfig{
		Name:   cfg.Unit.Name,
		Broker: busBroker,
		Events: broker,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	u := &Unit{
		cfg:     cfg,
		kind:    kind,
		engine:  engine,
		manager: manager,
		broker:  broker,
		killCh:  make(chan struct{}),
		logger:  log.WithUnit(cfg.Unit.Name),
	}

	if cfg.Transport.Listen != "" {
		server, err := transport.NewServer(transport.ServerConfig{
			Addr:   cfg.Transport.Listen,
			Name:   cfg.Unit.Name,
			Events: broker,
		})
		if err != nil {
			engine.Close()
			return nil, err
		}
		u.server = server
	}
	if cfg.Transport.Peer != "" {
		deadLetterPath := ""
		if !cfg.InMemory() {
			deadLetterPath = filepath.Join(cfg.Storage.Root, "hsdb", "rejectpile", "dead_letters.jsonl")
		}
		client, err := transport.NewClient(transport.ClientConfig{
			Addr:           cfg.Transport.Peer,
			Receiver:       cfg.Unit.Name,
			QueueSize:      cfg.Transport.QueueSize,
			AckTimeout:     cfg.Transport.AckTimeout,
			AutoReconnect:  cfg.Transport.AutoReconnect,
			DeadLetterPath: deadLetterPath,
			Events:         broker,
		})
		if err != nil {
			engine.Close()
			return nil, err
		}
		u.client = client
	}

	return u, nil
}

// Name returns the unit's client name
func (u *Unit) Name() string {
	return u.cfg.Unit.Name
}

// Engine exposes the unit's storage engine
func (u *Unit) Engine() *hsdb.Engine {
	return u.engine
}

// Bus exposes the unit's service manager
func (u *Unit) Bus() *bus.Manager {
	return u.manager
}

// Server exposes the transport server worker, if configured
func (u *Unit) Server() *transport.Server {
	return u.server
}

// Client exposes the transport client worker, if configured
func (u *Unit) Client() *transport.Client {
	return u.client
}

// Start connects to the broker, announces the unit and spins up the
// configured workers.
func (u *Unit) Start(ctx context.Context) error {
	u.broker.Start()

	if err := u.manager.Connect(ctx); err != nil {
		return err
	}
	if err := u.manager.Subscribe(ctx, bus.ChannelCommands, bus.ChannelNotifications, bus.ChannelResponses); err != nil {
		return err
	}
	u.registerHandlers()
	if err := u.manager.Start(ctx); err != nil {
		return err
	}

	if u.server != nil {
		if err := u.server.Start(); err != nil {
			return err
		}
	}
	if u.client != nil {
		if err := u.client.Start(); err != nil {
			return err
		}
	}

	u.collector = metrics.NewCollector(u.engine, u.broker)
	u.collector.Start()
	if u.cfg.Metrics.Enabled {
		u.httpSrv = metrics.Serve(u.cfg.Metrics.Addr)
	}
	metrics.UpdateComponent("bus", true, "connected")

	if err := u.announce(ctx, types.UnitStateActive); err != nil {
		u.logger.Warn().Err(err).Msg("failed to announce attach")
	}

	// A backend unit tracks itself in its own registry too.
	if u.kind == types.UnitBackend {
		if err := upsertUnit(u.engine, u.info(types.UnitStateActive)); err != nil {
			u.logger.Warn().Err(err).Msg("failed to self-register")
		}
	}

	u.logger.Info().Str("kind", string(u.kind)).Msg("unit started")
	return nil
}

// Wait blocks until the unit is killed or the context ends
func (u *Unit) Wait(ctx context.Context) {
	select {
	case <-u.killCh:
	case <-ctx.Done():
	}
}

// Kill requests an asynchronous shutdown
func (u *Unit) Kill() {
	u.killOnce.Do(func() { close(u.killCh) })
}

// Stop tears the unit down: detach announcement, transport workers, bus,
// metrics, engine.
func (u *Unit) Stop() error {
	var firstErr error
	u.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := u.manager.Broadcast(ctx, bus.ChannelNotifications, msgUnitDetached, u.infoValue(types.UnitStateClosed)); err != nil {
			u.logger.Debug().Err(err).Msg("failed to announce detach")
		}

		if u.client != nil {
			u.client.Close()
		}
		if u.server != nil {
			if err := u.server.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := u.manager.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
		if u.collector != nil {
			u.collector.Stop()
		}
		if u.httpSrv != nil {
			u.httpSrv.Shutdown(ctx)
		}
		if err := u.engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		u.broker.Stop()
		u.logger.Info().Msg("unit stopped")
	})
	return firstErr
}

func (u *Unit) registerHandlers() {
	u.manager.RegisterHandler(bus.TypeDispatch, nil, func(ctx context.Context, env *bus.Envelope) any {
		switch env.Command {
		case CommandPing:
			return map[string]any{"pong": true, "unit": u.Name()}
		case CommandKill:
			u.logger.Info().Str("source", env.Source).Msg("kill received")
			u.Kill()
			return map[string]any{"status": "terminating"}
		case CommandList:
			if u.kind != types.UnitBackend {
				return nil
			}
			return u.listUnits()
		}
		return nil
	})

	if u.kind == types.UnitBackend {
		u.manager.RegisterHandler(bus.TypeBroadcast, []string{bus.ChannelNotifications}, func(ctx context.Context, env *bus.Envelope) any {
			switch env.Message {
			case msgUnitAttached:
				info, err := unitInfoFromValue(env.Value)
				if err != nil {
					u.logger.Warn().Err(err).Str("source", env.Source).Msg("bad attach announcement")
					return nil
				}
				if err := upsertUnit(u.engine, info); err != nil {
					u.logger.Warn().Err(err).Str("unit", info.Name).Msg("failed to register unit")
				}
			case msgUnitDetached:
				info, err := unitInfoFromValue(env.Value)
				if err != nil {
					return nil
				}
				if err := markUnitState(u.engine, info.Name, types.UnitStateClosed); err != nil {
					u.logger.Warn().Err(err).Str("unit", info.Name).Msg("failed to mark unit closed")
				}
			}
			return nil
		})
	}
}

func (u *Unit) listUnits() map[string]any {
	entities, err := u.engine.GetAll(ModelUnit)
	if err != nil {
		return map[string]any{"units": []any{}, "error": err.Error()}
	}
	units := make([]any, 0, len(entities))
	for _, e := range entities {
		record, err := u.engine.Serialize(e.ID, false, false)
		if err != nil {
			continue
		}
		units = append(units, record)
	}
	return map[string]any{"units": units}
}

func (u *Unit) announce(ctx context.Context, state types.UnitState) error {
	return u.manager.Broadcast(ctx, bus.ChannelNotifications, msgUnitAttached, u.infoValue(state))
}

func (u *Unit) info(state types.UnitState) types.UnitInfo {
	host, port := splitListen(u.cfg.Transport.Listen)
	return types.UnitInfo{
		Name:     u.Name(),
		Kind:     u.kind,
		Host:     host,
		Port:     port,
		State:    state,
		LastSeen: time.Now(),
	}
}

func (u *Unit) infoValue(state types.UnitState) map[string]any {
	info := u.info(state)
	return map[string]any{
		"name":      info.Name,
		"kind":      string(info.Kind),
		"host":      info.Host,
		"port":      info.Port,
		"state":     string(info.State),
		"last_seen": info.LastSeen.Format(time.RFC3339Nano),
	}
}

func unitInfoFromValue(value any) (types.UnitInfo, error) {
	var info types.UnitInfo
	data, err := json.Marshal(value)
	if err != nil {
		return info, fmt.Errorf("failed to re-encode announcement: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to parse announcement: %w", err)
	}
	if info.Name == "" {
		return info, fmt.Errorf("announcement carries no unit name")
	}
	return info, nil
}

func splitListen(addr string) (string, int) {
	if addr == "" {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

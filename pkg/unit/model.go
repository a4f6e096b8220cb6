package unit

import (
	"time"

	"github.com/cirlog/modulo/pkg/hsdb"
	"github.com/cirlog/modulo/pkg/schema"
	"github.com/cirlog/modulo/pkg/types"
)

// ModelUnit is the storage model units register themselves under. The unit
// registry is ordinary engine state, so listing connected units is a query.
const ModelUnit = "unit"

// RegisterModel adds the unit model to a schema registry
func RegisterModel(r *schema.Registry) error {
	_, err := r.Register(ModelUnit, []schema.Field{
		{Name: "name", Attribute: &schema.Attribute{Type: schema.TypeString, Required: true, Unique: true}},
		{Name: "kind", Attribute: &schema.Attribute{Type: schema.TypeString, Required: true, Indexed: true}},
		{Name: "host", Attribute: &schema.Attribute{Type: schema.TypeString, Editable: true}},
		{Name: "port", Attribute: &schema.Attribute{Type: schema.TypeInt, Editable: true}},
		{Name: "state", Attribute: &schema.Attribute{Type: schema.TypeString, Required: true, Indexed: true, Editable: true}},
		{Name: "last_seen", Attribute: &schema.Attribute{Type: schema.TypeTimestamp, Required: true, Editable: true}},
	})
	return err
}

// upsertUnit writes attach/heartbeat state into the registry model
func upsertUnit(engine *hsdb.Engine, info types.UnitInfo) error {
	existing, err := engine.FindBy(ModelUnit, "name", info.Name)
	if err != nil {
		return err
	}

	lastSeen := info.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}

	if len(existing) > 0 {
		_, err = engine.Update(existing[0].ID, map[string]any{
			"host":      info.Host,
			"port":      int64(info.Port),
			"state":     string(info.State),
			"last_seen": lastSeen,
		})
		return err
	}

	_, err = engine.Create(ModelUnit, map[string]any{
		"name":      info.Name,
		"kind":      string(info.Kind),
		"host":      info.Host,
		"port":      int64(info.Port),
		"state":     string(info.State),
		"last_seen": lastSeen,
	})
	return err
}

// markUnitState transitions a registered unit's state; unknown units are
// ignored.
func markUnitState(engine *hsdb.Engine, name string, state types.UnitState) error {
	existing, err := engine.FindBy(ModelUnit, "name", name)
	if err != nil || len(existing) == 0 {
		return err
	}
	_, err = engine.Update(existing[0].ID, map[string]any{
		"state":     string(state),
		"last_seen": time.Now(),
	})
	return err
}

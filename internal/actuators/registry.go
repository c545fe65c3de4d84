// v0
// internal/actuators/registry.go
package actuators

import (
	"strings"

	"nrgchamp/growcontrol/internal/models"
)

// Canonical actuator roles.
const (
	RoleIrrigationPump    = "irrigation_pump"
	RoleRecirculationPump = "recirculation_pump"
	RolePHAcidPump        = "ph_acid_pump"
	RolePHBasePump        = "ph_base_pump"
	RoleECNPKPump         = "ec_npk_pump"
	RoleECCalciumPump     = "ec_calcium_pump"
	RoleECMagnesiumPump   = "ec_magnesium_pump"
	RoleECMicroPump       = "ec_micro_pump"
	RoleFan               = "fan"
	RoleHeater            = "heater"
	RoleWhiteLight        = "white_light"
	RoleUVLight           = "uv_light"
	RoleFlowSensor        = "flow_sensor"
	RoleWaterLevelSensor  = "water_level_sensor"
)

type roleAliases struct {
	role    string
	aliases []string
}

// aliasTable lists, per canonical role, the binding keys accepted for it in
// priority order. The canonical name always comes first.
var aliasTable = []roleAliases{
	{RoleIrrigationPump, []string{"irrigation_pump", "main_pump", "pump_irrigation", "pump_main"}},
	{RoleRecirculationPump, []string{"recirculation_pump", "recirculation", "pump_recirc"}},
	{RolePHAcidPump, []string{"ph_acid_pump", "pump_acid", "acid_pump", "ph_down"}},
	{RolePHBasePump, []string{"ph_base_pump", "pump_base", "base_pump", "ph_up"}},
	{RoleECNPKPump, []string{"ec_npk_pump", "pump_a", "nutrient_a", "npk_pump"}},
	{RoleECCalciumPump, []string{"ec_calcium_pump", "pump_b", "nutrient_b", "calcium_pump"}},
	{RoleECMagnesiumPump, []string{"ec_magnesium_pump", "pump_c", "magnesium_pump"}},
	{RoleECMicroPump, []string{"ec_micro_pump", "pump_d", "micro_pump"}},
	{RoleFan, []string{"fan", "vent", "fan_a"}},
	{RoleHeater, []string{"heater", "heater_a"}},
	{RoleWhiteLight, []string{"white_light", "light", "light_main"}},
	{RoleUVLight, []string{"uv_light", "light_uv"}},
	{RoleFlowSensor, []string{"flow_sensor", "flow"}},
	{RoleWaterLevelSensor, []string{"water_level_sensor", "water_level", "level_sensor"}},
}

// Registry resolves abstract roles to concrete bindings using the alias table only.
type Registry struct {
	table []roleAliases
}

// NewRegistry returns the registry backed by the built-in alias table.
func NewRegistry() *Registry {
	return &Registry{table: aliasTable}
}

// Roles returns the canonical roles in table order.
func (r *Registry) Roles() []string {
	out := make([]string, 0, len(r.table))
	for _, ra := range r.table {
		out = append(out, ra.role)
	}
	return out
}

// Aliases returns the accepted binding keys of a role, or nil.
func (r *Registry) Aliases(role string) []string {
	for _, ra := range r.table {
		if ra.role == role {
			return append([]string(nil), ra.aliases...)
		}
	}
	return nil
}

// Resolve maps canonical roles to the first matching binding. Keys are
// compared case-insensitively after trimming. Roles with no matching alias
// are absent from the result.
func (r *Registry) Resolve(rows []models.BindingRow) map[string]models.ActuatorBinding {
	byKey := make(map[string]models.BindingRow, len(rows))
	for _, row := range rows {
		k := normalizeKey(row.Key)
		if k == "" {
			continue
		}
		if _, dup := byKey[k]; !dup {
			byKey[k] = row
		}
	}
	out := make(map[string]models.ActuatorBinding)
	for _, ra := range r.table {
		for _, alias := range ra.aliases {
			row, ok := byKey[alias]
			if !ok {
				continue
			}
			out[ra.role] = models.ActuatorBinding{
				Role:      ra.role,
				Alias:     alias,
				NodeID:    row.NodeID,
				NodeUID:   row.NodeUID,
				Channel:   row.Channel,
				MLPerSec:  row.MLPerSec,
				KMsPerMLL: row.KMsPerMLL,
				Direction: normalizeDirection(row.Direction),
			}
			break
		}
	}
	return out
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func normalizeDirection(d string) string {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "in", "input", "sensor":
		return "input"
	default:
		return "output"
	}
}

package phaseplan

import (
	"github.com/altum-labs/probanza/pkg/scoring"
	"github.com/altum-labs/probanza/pkg/verdict"
)

// Default returns the built-in ten-phase review plan (F0…F9).
func Default() *Plan {
	std := func(roles ...verdict.Role) []WeightRow {
		rows := make([]WeightRow, 0, len(roles))
		for _, r := range roles {
			rows = append(rows, WeightRow{Layer: layerFor(r), Role: r, Weight: 1})
		}
		return rows
	}

	plan, err := New([]Phase{
		{
			ID: "F0", Name: "Intake y tipología",
			RequiredRoles:  []verdict.Role{verdict.RoleStrategicRationale},
			Checklist:      []string{"project_charter"},
			Weights:        std(verdict.RoleStrategicRationale),
			TimeoutSeconds: 30,
		},
		{
			ID: "F1", Name: "Justificación estratégica",
			RequiredRoles:  []verdict.Role{verdict.RoleStrategicRationale, verdict.RoleEconomicBenefit},
			Checklist:      []string{"strategic_memo"},
			Weights:        std(verdict.RoleStrategicRationale, verdict.RoleEconomicBenefit),
			TimeoutSeconds: 30,
		},
		{
			ID: "F2", Name: "Formalización contractual",
			RequiredRoles:  []verdict.Role{verdict.RoleLegal, verdict.RoleFiscalCompliance},
			Checklist:      []string{"signed_contract"},
			Weights:        std(verdict.RoleLegal, verdict.RoleFiscalCompliance),
			TimeoutSeconds: 30,
		},
		{
			ID: "F3", Name: "Test de beneficio",
			RequiredRoles:  []verdict.Role{verdict.RoleEconomicBenefit, verdict.RoleStrategicRationale},
			Checklist:      []string{"benefit_analysis"},
			Weights: []WeightRow{
				{Layer: scoring.LayerBusinessRationale, Role: verdict.RoleEconomicBenefit, Weight: 2},
				{Layer: scoring.LayerBusinessRationale, Role: verdict.RoleStrategicRationale, Weight: 1},
			},
			TimeoutSeconds: 45,
		},
		{
			ID: "F4", Name: "Due diligence de proveedor",
			RequiredRoles:  []verdict.Role{verdict.RoleSupplierRisk, verdict.RoleFiscalCompliance},
			Checklist:      []string{"supplier_screening"},
			Weights:        std(verdict.RoleSupplierRisk, verdict.RoleFiscalCompliance),
			TimeoutSeconds: 45,
		},
		{
			ID: "F5", Name: "Evidencia de prestación",
			RequiredRoles:  []verdict.Role{verdict.RoleEconomicBenefit, verdict.RoleSupplierRisk},
			Checklist:      []string{"deliverables", "timesheets"},
			Weights:        std(verdict.RoleEconomicBenefit, verdict.RoleSupplierRisk),
			TimeoutSeconds: 45,
		},
		{
			ID: "F6", Name: "Valoración y precios de transferencia",
			RequiredRoles:  []verdict.Role{verdict.RoleFiscalCompliance, verdict.RoleEconomicBenefit},
			Checklist:      []string{"valuation_report"},
			Weights:        std(verdict.RoleFiscalCompliance, verdict.RoleEconomicBenefit),
			TimeoutSeconds: 45,
		},
		{
			ID: "F7", Name: "Revisión fiscal",
			RequiredRoles:  []verdict.Role{verdict.RoleFiscalCompliance, verdict.RoleLegal, verdict.RoleSupplierRisk},
			Checklist:      []string{"tax_position_memo"},
			Weights: []WeightRow{
				{Layer: scoring.LayerFormalCompliance, Role: verdict.RoleFiscalCompliance, Weight: 2},
				{Layer: scoring.LayerFormalCompliance, Role: verdict.RoleLegal, Weight: 1},
				{Layer: scoring.LayerMateriality, Role: verdict.RoleSupplierRisk, Weight: 1},
			},
			TimeoutSeconds: 60,
		},
		{
			ID: "F8", Name: "Consolidación legal",
			RequiredRoles:  []verdict.Role{verdict.RoleLegal, verdict.RoleFiscalCompliance},
			Checklist:      []string{"legal_opinion"},
			Weights:        std(verdict.RoleLegal, verdict.RoleFiscalCompliance),
			TimeoutSeconds: 60,
		},
		{
			ID: "F9", Name: "Expediente de defensa",
			RequiredRoles:  []verdict.Role{verdict.RoleDefenseCompiler, verdict.RoleLegal},
			Checklist:      []string{"defense_draft"},
			Weights:        std(verdict.RoleDefenseCompiler, verdict.RoleLegal),
			TimeoutSeconds: 60,
		},
	})
	if err != nil {
		panic(err) // built-in plan must be well-formed
	}
	return plan
}

// layerFor maps each role to its natural validation layer.
func layerFor(r verdict.Role) scoring.LayerKind {
	switch r {
	case verdict.RoleFiscalCompliance, verdict.RoleLegal, verdict.RoleDefenseCompiler:
		return scoring.LayerFormalCompliance
	case verdict.RoleSupplierRisk:
		return scoring.LayerMateriality
	default:
		return scoring.LayerBusinessRationale
	}
}

package rules

import "github.com/rendis/flowcore/pkg/schema"

func cmp(field, op string, value any) *schema.Condition {
	return &schema.Condition{Type: schema.ConditionComparison, Field: field, Operator: op, Value: value}
}

// DefaultRuleSets returns the built-in invoice, inventory and purchase-order policies.
func DefaultRuleSets() []*schema.RuleSet {
	return []*schema.RuleSet{
		{
			ID:          "invoice-approval-policy",
			Name:        "Invoice Approval Policy",
			Description: "Determines who must approve invoices based on amount and vendor risk",
			Concept:     "Invoice",
			Rules: []schema.Rule{
				{
					ID:        "high-amount-cfo-approval",
					Condition: cmp("amount", ">", 100000),
					Outcome:   map[string]any{"approvalLevel": "CFO", "requiresApproval": true},
				},
				{
					ID:        "high-risk-vendor-compliance",
					Condition: cmp("vendor.risk", "==", "High"),
					Outcome:   map[string]any{"approvalLevel": "Compliance", "requiresApproval": true},
				},
				{
					ID:        "low-amount-auto-approve",
					Condition: cmp("amount", "<", 1000),
					Outcome:   map[string]any{"approvalLevel": "Auto", "requiresApproval": false},
				},
			},
		},
		{
			ID:          "inventory-reconciliation-policy",
			Name:        "Inventory Reconciliation Policy",
			Description: "Determines when inventory reconciliation is needed",
			Concept:     "InventoryItem",
			Rules: []schema.Rule{
				{
					ID: "variance-under-threshold-auto",
					Condition: &schema.Condition{
						Type: schema.ConditionAnd,
						Conditions: []schema.Condition{
							*cmp("variance", "<", 0.01),
							*cmp("varianceAmount", "<", 100),
						},
					},
					Outcome: map[string]any{"action": "AutoReconcile", "requiresApproval": false},
				},
				{
					ID:        "high-variance-manual",
					Condition: cmp("variance", ">=", 0.01),
					Outcome:   map[string]any{"action": "ManualReconciliation", "requiresApproval": true},
				},
			},
		},
		{
			ID:          "purchase-order-routing",
			Name:        "Purchase Order Routing",
			Description: "Routes purchase orders to appropriate approver",
			Concept:     "PurchaseOrder",
			Rules: []schema.Rule{
				{
					ID:        "po-over-50k-director",
					Condition: cmp("amount", ">", 50000),
					Outcome:   map[string]any{"approver": "Director", "priority": "High"},
				},
				{
					ID:        "po-under-5k-manager",
					Condition: cmp("amount", "<=", 5000),
					Outcome:   map[string]any{"approver": "Manager", "priority": "Normal"},
				},
			},
		},
	}
}

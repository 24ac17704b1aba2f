package engine

import "github.com/rendis/flowcore/pkg/schema"

func approvedIs(v bool) *schema.Condition {
	return &schema.Condition{Type: schema.ConditionComparison, Field: "approved", Operator: "==", Value: v}
}

// DefaultWorkflows returns the built-in invoice and purchase-order processes.
func DefaultWorkflows() []*schema.WorkflowDefinition {
	return []*schema.WorkflowDefinition{
		{
			ID:           "invoice-processing",
			Name:         "Invoice Processing",
			Description:  "Validates, routes for approval and posts incoming invoices",
			TriggerEvent: "InvoiceReceived",
			Concept:      "Invoice",
			Steps: []schema.StepDefinition{
				{ID: "validate", Name: "Validate Invoice", Type: schema.StepTypeAction, Action: "ValidateInvoice", Next: "determine-approval"},
				{
					ID:      "determine-approval",
					Name:    "Determine Approval Level",
					Type:    schema.StepTypeDecision,
					RuleSet: "invoice-approval-policy",
					Branches: map[string]string{
						"requiresApproval:true":  "await-approval",
						"requiresApproval:false": "post-accounting",
					},
					Default: "await-approval",
				},
				{
					ID:             "await-approval",
					Name:           "Await Approval",
					Type:           schema.StepTypeHumanTask,
					TaskType:       "approval",
					AssignmentRule: "approvalLevel",
					Timeout:        "72h",
					Next:           "check-approval-result",
				},
				{
					ID:        "check-approval-result",
					Name:      "Check Approval Result",
					Type:      schema.StepTypeDecision,
					Condition: approvedIs(true),
					Branches:  map[string]string{"true": "post-accounting", "false": "reject-invoice"},
				},
				{
					ID:          "post-accounting",
					Name:        "Post Accounting Entry",
					Type:        schema.StepTypeAction,
					Action:      "PostAccountingEntry",
					RetryPolicy: &schema.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 1000, MaxDelayMs: 30000, BackoffMultiplier: 2},
					Next:        "close-workflow",
				},
				{ID: "reject-invoice", Name: "Reject Invoice", Type: schema.StepTypeAction, Action: "RejectInvoice", Next: "close-workflow"},
				{ID: "close-workflow", Name: "Close", Type: schema.StepTypeEnd},
			},
		},
		{
			ID:           "purchase-order-approval",
			Name:         "Purchase Order Approval",
			Description:  "Routes purchase orders to an approver and creates or cancels them",
			TriggerEvent: "PurchaseOrderCreated",
			Concept:      "PurchaseOrder",
			Steps: []schema.StepDefinition{
				{ID: "validate-po", Name: "Validate Purchase Order", Type: schema.StepTypeAction, Action: "ValidatePO", Next: "determine-approver"},
				{ID: "determine-approver", Name: "Determine Approver", Type: schema.StepTypeDecision, RuleSet: "purchase-order-routing", Next: "await-approval"},
				{
					ID:             "await-approval",
					Name:           "Await Approval",
					Type:           schema.StepTypeHumanTask,
					TaskType:       "approval",
					AssignmentRule: "approver",
					Timeout:        "48h",
					Next:           "check-result",
				},
				{
					ID:        "check-result",
					Name:      "Check Result",
					Type:      schema.StepTypeDecision,
					Condition: approvedIs(true),
					Branches:  map[string]string{"true": "create-po", "false": "cancel-po"},
				},
				{ID: "create-po", Name: "Create Purchase Order", Type: schema.StepTypeAction, Action: "CreatePO", Compensation: "CancelPO", Next: "complete"},
				{ID: "cancel-po", Name: "Cancel Purchase Order", Type: schema.StepTypeAction, Action: "CancelPO", Next: "complete"},
				{ID: "complete", Name: "Complete", Type: schema.StepTypeEnd},
			},
		},
	}
}

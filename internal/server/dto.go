package server

import (
	"fellcore/internal/domain"
	"fellcore/internal/engine"
)

// Request payloads

type CreateApplicationRequest struct {
	ID              *string `json:"id,omitempty"`
	PropertyName    string  `json:"property_name,omitempty"`
	AgencyLinked    bool    `json:"agency_linked,omitempty"`
	TreeHealthIssue bool    `json:"tree_health_issue,omitempty"`
}

type FellingDetailRequest struct {
	CompartmentID      string  `json:"compartment_id"`
	OperationType      string  `json:"operation_type"`
	AreaHa             float64 `json:"area_ha"`
	NumberOfTrees      *int    `json:"number_of_trees,omitempty"`
	Species            string  `json:"species"`
	EstimatedVolumeM3  float64 `json:"estimated_volume_m3"`
	TreeMarking        bool    `json:"tree_marking,omitempty"`
	TreeMarkingDetails string  `json:"tree_marking_details,omitempty"`
}

type RestockingDetailRequest struct {
	CompartmentID      string  `json:"compartment_id"`
	Proposal           string  `json:"proposal"`
	AreaHa             float64 `json:"area_ha"`
	SpeciesComposition string  `json:"species_composition"`
	DensityPerHa       *int    `json:"density_per_ha,omitempty"`
	NumberOfTrees      *int    `json:"number_of_trees,omitempty"`
}

type SubmitApplicationRequest struct {
	Felling    []FellingDetailRequest    `json:"felling,omitempty"`
	Restocking []RestockingDetailRequest `json:"restocking,omitempty"`
}

type AssignRequest struct {
	Role   string `json:"role" enum:"applicant,admin_officer,woodland_officer,field_manager"`
	UserID string `json:"user_id"`
}

type AdminCheckRequest struct {
	Check  string `json:"check" enum:"agent_authority,mapping,constraints,tree_health,larch,cbw,eia"`
	Passed bool   `json:"passed"`
}

type CompleteAdminReviewRequest struct {
	SkipWoodlandOfficerStage bool `json:"skip_woodland_officer_stage,omitempty"`
}

type WoodlandStepRequest struct {
	Step   string `json:"step" enum:"public_register,site_visit,pw14_checks,felling_and_restocking,conditions,consultation,larch_application,larch_flyover,eia_screening,final_checks"`
	Status string `json:"status" enum:"not_started,in_progress,completed,not_required,cannot_start_yet"`
}

type WoodlandRecommendationsRequest struct {
	RecommendedLicenceDuration        *int  `json:"recommended_licence_duration,omitempty"`
	RecommendToDecisionPublicRegister *bool `json:"recommend_to_decision_public_register,omitempty"`
}

type AmendmentResponseRequest struct {
	Agreed bool   `json:"agreed"`
	Reason string `json:"reason,omitempty"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approved,refused,referred_to_local_authority"`
	Remarks  string `json:"remarks,omitempty"`
}

type WithdrawRequest struct {
	Reason string `json:"reason,omitempty"`
}

type UpdateReferenceRequest struct {
	Prefix string `json:"prefix"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

// ApplicationResponse mirrors domain.Application field by field rather than
// embedding it; huma cannot schema-link an embedded type with methods.
type ApplicationResponse struct {
	ID              string                        `json:"id"`
	Reference       string                        `json:"reference"`
	PropertyName    string                        `json:"property_name,omitempty"`
	AgencyLinked    bool                          `json:"agency_linked"`
	TreeHealthIssue bool                          `json:"tree_health_issue"`
	CreatedAt       string                        `json:"created_at" format:"date-time"`
	CurrentStatus   string                        `json:"current_status"`
	StatusHistory   []domain.StatusHistoryEntry   `json:"status_history,omitempty"`
	AssigneeHistory []domain.AssigneeHistoryEntry `json:"assignee_history,omitempty"`

	AdminOfficerReview    *domain.AdminOfficerReview    `json:"admin_officer_review,omitempty"`
	WoodlandOfficerReview *domain.WoodlandOfficerReview `json:"woodland_officer_review,omitempty"`
	ApproverReview        *domain.ApproverReview        `json:"approver_review,omitempty"`

	ProposedFelling     []domain.ProposedFellingDetail     `json:"proposed_felling,omitempty"`
	ProposedRestocking  []domain.ProposedRestockingDetail  `json:"proposed_restocking,omitempty"`
	ConfirmedFelling    []domain.ConfirmedFellingDetail    `json:"confirmed_felling,omitempty"`
	ConfirmedRestocking []domain.ConfirmedRestockingDetail `json:"confirmed_restocking,omitempty"`
}

type TaskListResponse struct {
	Admin    map[string]string `json:"admin,omitempty"`
	Woodland map[string]string `json:"woodland,omitempty"`
}

type ReceivingOfficerResponse struct {
	ReceivingOfficer string `json:"receiving_officer"`
	Status           string `json:"status"`
}

type DiffResponse struct {
	Changes map[string]string `json:"changes"`
}

type ReferenceResponse struct {
	Reference string `json:"reference"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:              a.ID,
		Reference:       a.Reference,
		PropertyName:    a.PropertyName,
		AgencyLinked:    a.AgencyLinked,
		TreeHealthIssue: a.TreeHealthIssue,
		CreatedAt:       a.CreatedAt,
		CurrentStatus:   string(a.CurrentStatus()),
		StatusHistory:   a.StatusHistory,
		AssigneeHistory: a.AssigneeHistory,

		AdminOfficerReview:    a.AdminOfficerReview,
		WoodlandOfficerReview: a.WoodlandOfficerReview,
		ApproverReview:        a.ApproverReview,

		ProposedFelling:     a.ProposedFelling,
		ProposedRestocking:  a.ProposedRestocking,
		ConfirmedFelling:    a.ConfirmedFelling,
		ConfirmedRestocking: a.ConfirmedRestocking,
	}
}

func mapApplications(items []domain.Application) []ApplicationResponse {
	out := make([]ApplicationResponse, 0, len(items))
	for _, a := range items {
		out = append(out, applicationResponse(a))
	}
	return out
}

func taskListResponse(a domain.Application) TaskListResponse {
	var res TaskListResponse
	if a.AdminOfficerReview != nil {
		res.Admin = map[string]string{}
		for check, status := range engine.AdminTaskList(a, *a.AdminOfficerReview) {
			res.Admin[string(check)] = string(status)
		}
	}
	if a.WoodlandOfficerReview != nil {
		res.Woodland = map[string]string{}
		for _, step := range engine.WoodlandSteps() {
			res.Woodland[string(step)] = string(a.WoodlandOfficerReview.Step(step))
		}
	}
	return res
}

func fellingFromRequest(in FellingDetailRequest) domain.ProposedFellingDetail {
	return domain.ProposedFellingDetail{
		CompartmentID: in.CompartmentID,
		FellingSpec: domain.FellingSpec{
			OperationType:      in.OperationType,
			AreaHa:             in.AreaHa,
			NumberOfTrees:      in.NumberOfTrees,
			Species:            in.Species,
			EstimatedVolumeM3:  in.EstimatedVolumeM3,
			TreeMarking:        in.TreeMarking,
			TreeMarkingDetails: in.TreeMarkingDetails,
		},
	}
}

func restockingFromRequest(in RestockingDetailRequest) domain.ProposedRestockingDetail {
	return domain.ProposedRestockingDetail{
		CompartmentID: in.CompartmentID,
		RestockingSpec: domain.RestockingSpec{
			Proposal:           in.Proposal,
			AreaHa:             in.AreaHa,
			SpeciesComposition: in.SpeciesComposition,
			DensityPerHa:       in.DensityPerHa,
			NumberOfTrees:      in.NumberOfTrees,
		},
	}
}

func confirmedFellingFromRequest(in FellingDetailRequest) domain.ConfirmedFellingDetail {
	return domain.ConfirmedFellingDetail{
		CompartmentID: in.CompartmentID,
		FellingSpec: domain.FellingSpec{
			OperationType:      in.OperationType,
			AreaHa:             in.AreaHa,
			NumberOfTrees:      in.NumberOfTrees,
			Species:            in.Species,
			EstimatedVolumeM3:  in.EstimatedVolumeM3,
			TreeMarking:        in.TreeMarking,
			TreeMarkingDetails: in.TreeMarkingDetails,
		},
	}
}

func confirmedRestockingFromRequest(in RestockingDetailRequest) domain.ConfirmedRestockingDetail {
	return domain.ConfirmedRestockingDetail{
		CompartmentID: in.CompartmentID,
		RestockingSpec: domain.RestockingSpec{
			Proposal:           in.Proposal,
			AreaHa:             in.AreaHa,
			SpeciesComposition: in.SpeciesComposition,
			DensityPerHa:       in.DensityPerHa,
			NumberOfTrees:      in.NumberOfTrees,
		},
	}
}

func mapFelling(items []FellingDetailRequest) []domain.ProposedFellingDetail {
	out := make([]domain.ProposedFellingDetail, 0, len(items))
	for _, in := range items {
		out = append(out, fellingFromRequest(in))
	}
	return out
}

func mapRestocking(items []RestockingDetailRequest) []domain.ProposedRestockingDetail {
	out := make([]domain.ProposedRestockingDetail, 0, len(items))
	for _, in := range items {
		out = append(out, restockingFromRequest(in))
	}
	return out
}

package domain

// Status is a felling licence application status.
type Status string

const (
	StatusDraft                    Status = "draft"
	StatusSubmitted                Status = "submitted"
	StatusReceived                 Status = "received"
	StatusAdminOfficerReview       Status = "admin_officer_review"
	StatusWoodlandOfficerReview    Status = "woodland_officer_review"
	StatusSentForApproval          Status = "sent_for_approval"
	StatusApproved                 Status = "approved"
	StatusRefused                  Status = "refused"
	StatusReferredToLocalAuthority Status = "referred_to_local_authority"
	StatusReturnedToApplicant      Status = "returned_to_applicant"
	StatusWithApplicant            Status = "with_applicant"
	StatusWithdrawn                Status = "withdrawn"
	StatusApprovedInError          Status = "approved_in_error"
)

// Role identifies a workflow role an actor can hold on an application.
type Role string

const (
	RoleApplicant       Role = "applicant"
	RoleAdminOfficer    Role = "admin_officer"
	RoleWoodlandOfficer Role = "woodland_officer"
	RoleFieldManager    Role = "field_manager"
)

// StepStatus is the shared status domain for review task-list steps.
type StepStatus string

const (
	StepNotStarted     StepStatus = "not_started"
	StepInProgress     StepStatus = "in_progress"
	StepCompleted      StepStatus = "completed"
	StepNotRequired    StepStatus = "not_required"
	StepCannotStartYet StepStatus = "cannot_start_yet"
)

// Application is the felling licence application aggregate root. Current
// status and current role holders are derived from the history slices,
// never stored alongside them.
type Application struct {
	ID              string                 `json:"id"`
	Reference       string                 `json:"reference"`
	PropertyName    string                 `json:"property_name,omitempty"`
	AgencyLinked    bool                   `json:"agency_linked"`
	TreeHealthIssue bool                   `json:"tree_health_issue"`
	CreatedAt       string                 `json:"created_at" format:"date-time"`
	StatusHistory   []StatusHistoryEntry   `json:"status_history,omitempty"`
	AssigneeHistory []AssigneeHistoryEntry `json:"assignee_history,omitempty"`

	AdminOfficerReview    *AdminOfficerReview    `json:"admin_officer_review,omitempty"`
	WoodlandOfficerReview *WoodlandOfficerReview `json:"woodland_officer_review,omitempty"`
	ApproverReview        *ApproverReview        `json:"approver_review,omitempty"`

	ProposedFelling     []ProposedFellingDetail     `json:"proposed_felling,omitempty"`
	ProposedRestocking  []ProposedRestockingDetail  `json:"proposed_restocking,omitempty"`
	ConfirmedFelling    []ConfirmedFellingDetail    `json:"confirmed_felling,omitempty"`
	ConfirmedRestocking []ConfirmedRestockingDetail `json:"confirmed_restocking,omitempty"`
}

// CurrentStatus returns the status of the newest history entry, or draft
// when no entry has been written yet.
func (a Application) CurrentStatus() Status {
	if len(a.StatusHistory) == 0 {
		return StatusDraft
	}
	latest := a.StatusHistory[0]
	for _, e := range a.StatusHistory[1:] {
		if e.CreatedAt > latest.CreatedAt || (e.CreatedAt == latest.CreatedAt && e.ID > latest.ID) {
			latest = e
		}
	}
	return latest.Status
}

// CurrentHolder returns the open assignee entry for a role, if any.
func (a Application) CurrentHolder(role Role) (AssigneeHistoryEntry, bool) {
	for _, e := range a.AssigneeHistory {
		if e.Role == role && e.UnassignedAt == nil {
			return e, true
		}
	}
	return AssigneeHistoryEntry{}, false
}

// StatusHistoryEntry is immutable once written; corrections are new entries.
type StatusHistoryEntry struct {
	ID            int64  `json:"id"`
	ApplicationID string `json:"application_id"`
	Status        Status `json:"status"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	CreatedBy     string `json:"created_by"`
}

// AssigneeHistoryEntry records a role assignment interval. At most one entry
// per role has UnassignedAt == nil.
type AssigneeHistoryEntry struct {
	ID            int64   `json:"id"`
	ApplicationID string  `json:"application_id"`
	Role          Role    `json:"role"`
	UserID        string  `json:"user_id"`
	AssignedAt    string  `json:"assigned_at" format:"date-time"`
	UnassignedAt  *string `json:"unassigned_at,omitempty" format:"date-time"`
}

// AdminCheck identifies one of the admin officer review checks.
type AdminCheck string

const (
	CheckAgentAuthority AdminCheck = "agent_authority"
	CheckMapping        AdminCheck = "mapping"
	CheckConstraints    AdminCheck = "constraints"
	CheckTreeHealth     AdminCheck = "tree_health"
	CheckLarch          AdminCheck = "larch"
	CheckCBW            AdminCheck = "cbw"
	CheckEIA            AdminCheck = "eia"
)

// AdminOfficerReview holds the first-stage administrative checks. Check
// fields are tri-state: nil means not yet looked at.
type AdminOfficerReview struct {
	ApplicationID         string `json:"application_id"`
	AgentAuthorityChecked *bool  `json:"agent_authority_checked,omitempty"`
	MappingChecked        *bool  `json:"mapping_checked,omitempty"`
	ConstraintsChecked    *bool  `json:"constraints_checked,omitempty"`
	TreeHealthChecked     *bool  `json:"tree_health_checked,omitempty"`
	LarchChecked          *bool  `json:"larch_checked,omitempty"`
	CBWChecked            *bool  `json:"cbw_checked,omitempty"`
	EIAChecked            *bool  `json:"eia_checked,omitempty"`
	Complete              bool   `json:"complete"`
	UpdatedAt             string `json:"updated_at" format:"date-time"`
	UpdatedBy             string `json:"updated_by,omitempty"`
}

// WoodlandStep identifies one of the woodland officer review steps.
type WoodlandStep string

const (
	StepPublicRegister       WoodlandStep = "public_register"
	StepSiteVisit            WoodlandStep = "site_visit"
	StepPw14Checks           WoodlandStep = "pw14_checks"
	StepFellingAndRestocking WoodlandStep = "felling_and_restocking"
	StepConditions           WoodlandStep = "conditions"
	StepConsultation         WoodlandStep = "consultation"
	StepLarchApplication     WoodlandStep = "larch_application"
	StepLarchFlyover         WoodlandStep = "larch_flyover"
	StepEIAScreening         WoodlandStep = "eia_screening"
	StepFinalChecks          WoodlandStep = "final_checks"
)

// WoodlandOfficerReview is the substantive field/technical review record.
type WoodlandOfficerReview struct {
	ApplicationID                     string     `json:"application_id"`
	PublicRegister                    StepStatus `json:"public_register"`
	SiteVisit                         StepStatus `json:"site_visit"`
	Pw14Checks                        StepStatus `json:"pw14_checks"`
	FellingAndRestocking              StepStatus `json:"felling_and_restocking"`
	Conditions                        StepStatus `json:"conditions"`
	Consultation                      StepStatus `json:"consultation"`
	LarchApplication                  StepStatus `json:"larch_application"`
	LarchFlyover                      StepStatus `json:"larch_flyover"`
	EIAScreening                      StepStatus `json:"eia_screening"`
	FinalChecks                       StepStatus `json:"final_checks"`
	RecommendedLicenceDuration        *int       `json:"recommended_licence_duration,omitempty"`
	RecommendToDecisionPublicRegister *bool      `json:"recommend_to_decision_public_register,omitempty"`
	Complete                          bool       `json:"complete"`
	UpdatedAt                         string     `json:"updated_at" format:"date-time"`
	UpdatedBy                         string     `json:"updated_by,omitempty"`
}

// Step returns the status of a named step.
func (w WoodlandOfficerReview) Step(step WoodlandStep) StepStatus {
	switch step {
	case StepPublicRegister:
		return w.PublicRegister
	case StepSiteVisit:
		return w.SiteVisit
	case StepPw14Checks:
		return w.Pw14Checks
	case StepFellingAndRestocking:
		return w.FellingAndRestocking
	case StepConditions:
		return w.Conditions
	case StepConsultation:
		return w.Consultation
	case StepLarchApplication:
		return w.LarchApplication
	case StepLarchFlyover:
		return w.LarchFlyover
	case StepEIAScreening:
		return w.EIAScreening
	case StepFinalChecks:
		return w.FinalChecks
	}
	return StepNotStarted
}

// ApproverReview records the final sign-off outcome.
type ApproverReview struct {
	ApplicationID string `json:"application_id"`
	Decision      Status `json:"decision" enum:"approved,refused,referred_to_local_authority"`
	Remarks       string `json:"remarks,omitempty"`
	DecidedAt     string `json:"decided_at" format:"date-time"`
	DecidedBy     string `json:"decided_by"`
}

// FellingSpec is the felling specification shared by proposed and confirmed
// detail records.
type FellingSpec struct {
	OperationType      string  `json:"operation_type"`
	AreaHa             float64 `json:"area_ha"`
	NumberOfTrees      *int    `json:"number_of_trees,omitempty"`
	Species            string  `json:"species"`
	EstimatedVolumeM3  float64 `json:"estimated_volume_m3"`
	TreeMarking        bool    `json:"tree_marking"`
	TreeMarkingDetails string  `json:"tree_marking_details,omitempty"`
}

// RestockingSpec is the restocking specification shared by proposed and
// confirmed detail records.
type RestockingSpec struct {
	Proposal           string  `json:"proposal"`
	AreaHa             float64 `json:"area_ha"`
	SpeciesComposition string  `json:"species_composition"`
	DensityPerHa       *int    `json:"density_per_ha,omitempty"`
	NumberOfTrees      *int    `json:"number_of_trees,omitempty"`
}

// ProposedFellingDetail is the applicant's baseline, frozen at submission.
type ProposedFellingDetail struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	CompartmentID string `json:"compartment_id"`
	FellingSpec
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ProposedRestockingDetail is the applicant's baseline, frozen at submission.
type ProposedRestockingDetail struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	CompartmentID string `json:"compartment_id"`
	RestockingSpec
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ConfirmedFellingDetail is the officer-edited counterpart. It may exist
// with no proposed entry (officer addition), and a proposed entry may have
// no confirmed counterpart (officer deletion); both states are meaningful.
type ConfirmedFellingDetail struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	CompartmentID string `json:"compartment_id"`
	FellingSpec
	UpdatedAt string `json:"updated_at" format:"date-time"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// ConfirmedRestockingDetail is the officer-edited counterpart.
type ConfirmedRestockingDetail struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	CompartmentID string `json:"compartment_id"`
	RestockingSpec
	UpdatedAt string `json:"updated_at" format:"date-time"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// AmendmentReview tracks the applicant-agreement sub-protocol for confirmed
// detail amendments sent by an officer.
type AmendmentReview struct {
	ID                 string  `json:"id"`
	ApplicationID      string  `json:"application_id"`
	SentAt             string  `json:"sent_at" format:"date-time"`
	ResponseDeadline   string  `json:"response_deadline" format:"date-time"`
	RespondedAt        *string `json:"responded_at,omitempty" format:"date-time"`
	ApplicantAgreed    *bool   `json:"applicant_agreed,omitempty"`
	DisagreementReason string  `json:"disagreement_reason,omitempty"`
	CreatedBy          string  `json:"created_by"`
}

// Event is one audit record; every workflow mutation appends one.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	ApplicationID string `json:"application_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

// Notification is an outbox row awaiting delivery by the dispatcher.
type Notification struct {
	ID            int64    `json:"id"`
	TemplateID    string   `json:"template_id"`
	Recipients    []string `json:"recipients"`
	Payload       string   `json:"payload_json"`
	ApplicationID string   `json:"application_id,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

// APIKey authenticates a server caller and maps to an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

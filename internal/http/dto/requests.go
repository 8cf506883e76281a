package dto

type AuthTokenRequest struct {
	Wallet string `json:"wallet"`
}

type CreateEscrowRequest struct {
	AgreementID     string  `json:"agreement_id"`
	Provider        string  `json:"provider"`
	Amount          int64   `json:"amount"` // micro-USD
	DurationSeconds int64   `json:"duration_seconds"`
	ExpectedHash    *string `json:"expected_hash,omitempty"`
}

type FundEscrowRequest struct {
	Renter string `json:"renter"`
	// ViaPayment drives the funding through the payment layer (intent,
	// transfer, settle); false records the ledger transition only.
	ViaPayment bool `json:"via_payment,omitempty"`
}

type SubmitDeliverableRequest struct {
	DeliverableHash *string `json:"deliverable_hash,omitempty"`
	// Content, when set, is hashed server-side instead.
	Content *string `json:"content,omitempty"`
}

type CompleteEscrowRequest struct {
	DeliverableHash *string `json:"deliverable_hash,omitempty"`
	// Content, when set, is hashed server-side instead.
	Content *string `json:"content,omitempty"`
}

type DisputeEscrowRequest struct {
	Reason string `json:"reason"`
}

type CreateIntentRequest struct {
	FromWallet  string `json:"from_wallet"`
	ToWallet    string `json:"to_wallet"`
	Amount      int64  `json:"amount"` // micro-USD
	Description string `json:"description,omitempty"`
}

type CollectSignatureRequest struct {
	Signature string `json:"signature"`
}

type CreateProposalRequest struct {
	AgreementID string   `json:"agreement_id"`
	Target      string   `json:"target"`
	SlashType   string   `json:"slash_type"` // provider | renter
	Reason      string   `json:"reason"`
	Percentage  float64  `json:"percentage"`
	Evidence    []string `json:"evidence,omitempty"`
}

type VoteRequest struct {
	Support bool `json:"support"`
}

type AutoSlashRequest struct {
	AgreementID string `json:"agreement_id"`
	Target      string `json:"target"`
	SlashType   string `json:"slash_type"`
	Reason      string `json:"reason"`
	Severity    string `json:"severity"` // low | medium | high
}

type RecoverReputationRequest struct {
	CurrentScore   float64 `json:"current_score"`
	DaysSinceSlash int     `json:"days_since_slash"`
}

type TriggerEventRequest struct {
	Kind        string         `json:"kind"`
	AgreementID string         `json:"agreement_id"`
	Data        map[string]any `json:"data,omitempty"`
}

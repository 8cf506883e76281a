package dto

type AuthResponse struct {
	Token string `json:"token"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type EscrowStateResponse struct {
	EscrowID string `json:"escrow_id"`
	State    string `json:"state"`
}

type ExpiryResponse struct {
	EscrowID string `json:"escrow_id"`
	Expired  bool   `json:"expired"`
	Deadline string `json:"deadline_status"`
}

type RecoverReputationResponse struct {
	RecoveredScore float64 `json:"recovered_score"`
}

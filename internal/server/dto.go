package server

import (
	"waveline/internal/domain"
	"waveline/internal/engine"
)

type CreateProjectRequest struct {
	Project string `json:"project" example:"checkout"`
	Team    string `json:"team" example:"core"`
	Goal    string `json:"goal,omitempty"`
}

type ProjectResponse struct {
	domain.Project
}

type CreateTaskRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Role        string   `json:"role,omitempty" enum:",frontend,backend,devops,test,docs,security,review,worker,general"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
}

type TaskResponse struct {
	domain.Task
}

type ClaimTaskRequest struct {
	Owner string `json:"owner"`
}

type UpdateTaskRequest struct {
	Status      string            `json:"status,omitempty" enum:",open,in_progress,resolved"`
	AddEvidence []domain.Evidence `json:"add_evidence,omitempty"`
	Release     bool              `json:"release,omitempty"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type WavesResponse struct {
	Waves []domain.Wave `json:"waves"`
}

type WaveStatusResponse struct {
	engine.WaveStatus
}

type UpdateWaveStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,verifying,verified,failed"`
}

type VerificationResponse struct {
	domain.Verification
}

type CleanResponse struct {
	Project        domain.Project `json:"project"`
	AlreadyCleaned bool           `json:"already_cleaned"`
}

type AdvanceResponse struct {
	domain.Result
}

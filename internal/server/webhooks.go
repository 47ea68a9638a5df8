package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"waveline/internal/domain"
	"waveline/internal/engine"
)

// CIWebhookRequest is the payload a CI system posts when a pipeline run
// finishes. It is recorded as a test-evidence entry on the referenced task,
// so CI results land in the same ledger verification reads.
type CIWebhookRequest struct {
	Project  string `json:"project"`
	Team     string `json:"team"`
	TaskID   string `json:"task_id"`
	Command  string `json:"command,omitempty" example:"go test ./..."`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

func registerWebhooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ci-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/ci",
		Summary:       "Ingest a CI pipeline result as task evidence",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CIWebhookRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Project == "" || input.Body.Team == "" || input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project, team and task_id are required")
		}
		code := input.Body.ExitCode
		ev := domain.Evidence{
			Type:     domain.EvidenceTest,
			Command:  input.Body.Command,
			ExitCode: &code,
			Output:   input.Body.Output,
		}
		t, err := e.AddEvidence(ctx, input.Body.Project, input.Body.Team, input.Body.TaskID, "ci-webhook", []domain.Evidence{ev})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})
}

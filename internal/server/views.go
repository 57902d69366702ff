package server

import (
	"encoding/json"
	"time"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// View structs keep the JSON shape of the read API stable and detach it from
// the row structs.

type operationView struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Name       string          `json:"name"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type executionView struct {
	ID                  string          `json:"id"`
	OperationExternalID string          `json:"operation_external_id"`
	AgentHost           string          `json:"agent_host,omitempty"`
	AgentPaw            string          `json:"agent_paw,omitempty"`
	LinkID              string          `json:"link_id"`
	Command             string          `json:"command,omitempty"`
	PID                 int             `json:"pid,omitempty"`
	Status              int             `json:"status"`
	ResultData          json.RawMessage `json:"result_data,omitempty"`
	AgentReportedAt     *time.Time      `json:"agent_reported_at,omitempty"`
	LinkState           string          `json:"link_state,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

type detectionView struct {
	ID                  string          `json:"id"`
	ExecutionID         string          `json:"execution_id"`
	OperationExternalID string          `json:"operation_external_id"`
	DetectionType       string          `json:"detection_type"`
	DetectionPlatform   string          `json:"detection_platform"`
	DetectionConfig     json.RawMessage `json:"detection_config,omitempty"`
	Status              string          `json:"status"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	ExecutionMetadata   json.RawMessage `json:"execution_metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

type resultView struct {
	ID                   string          `json:"id"`
	DetectionExecutionID string          `json:"detection_execution_id"`
	Detected             string          `json:"detected"`
	RawResponse          json.RawMessage `json:"raw_response,omitempty"`
	ParsedResults        json.RawMessage `json:"parsed_results,omitempty"`
	ResultTimestamp      time.Time       `json:"result_timestamp"`
	ResultSource         string          `json:"result_source,omitempty"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

func toOperationView(op *domain.Operation) operationView {
	return operationView{
		ID:         op.ID.String(),
		ExternalID: op.ExternalID.String(),
		Name:       op.Name,
		StartedAt:  op.StartedAt,
		Metadata:   op.Metadata,
		CreatedAt:  op.CreatedAt,
		UpdatedAt:  op.UpdatedAt,
	}
}

func toOperationViews(ops []domain.Operation) []operationView {
	out := make([]operationView, 0, len(ops))
	for i := range ops {
		out = append(out, toOperationView(&ops[i]))
	}
	return out
}

func toExecutionView(ex *domain.Execution) executionView {
	return executionView{
		ID:                  ex.ID.String(),
		OperationExternalID: ex.OperationExternalID.String(),
		AgentHost:           ex.AgentHost,
		AgentPaw:            ex.AgentPaw,
		LinkID:              ex.LinkID.String(),
		Command:             ex.Command,
		PID:                 ex.PID,
		Status:              ex.Status,
		ResultData:          ex.ResultData,
		AgentReportedAt:     ex.AgentReportedAt,
		LinkState:           ex.LinkState,
		CreatedAt:           ex.CreatedAt,
	}
}

func toExecutionViews(exs []domain.Execution) []executionView {
	out := make([]executionView, 0, len(exs))
	for i := range exs {
		out = append(out, toExecutionView(&exs[i]))
	}
	return out
}

func toDetectionView(de *domain.DetectionExecution) detectionView {
	return detectionView{
		ID:                  de.ID.String(),
		ExecutionID:         de.ExecutionID.String(),
		OperationExternalID: de.OperationExternalID.String(),
		DetectionType:       string(de.DetectionType),
		DetectionPlatform:   de.DetectionPlatform,
		DetectionConfig:     de.DetectionConfig,
		Status:              string(de.Status),
		StartedAt:           de.StartedAt,
		CompletedAt:         de.CompletedAt,
		RetryCount:          de.RetryCount,
		MaxRetries:          de.MaxRetries,
		ExecutionMetadata:   de.ExecutionMetadata,
		CreatedAt:           de.CreatedAt,
	}
}

func toDetectionViews(rows []domain.DetectionExecution) []detectionView {
	out := make([]detectionView, 0, len(rows))
	for i := range rows {
		out = append(out, toDetectionView(&rows[i]))
	}
	return out
}

func toResultViews(rows []domain.DetectionResult) []resultView {
	out := make([]resultView, 0, len(rows))
	for i := range rows {
		dr := &rows[i]
		out = append(out, resultView{
			ID:                   dr.ID.String(),
			DetectionExecutionID: dr.DetectionExecutionID.String(),
			Detected:             string(dr.Detected),
			RawResponse:          dr.RawResponse,
			ParsedResults:        dr.ParsedResults,
			ResultTimestamp:      dr.ResultTimestamp,
			ResultSource:         dr.ResultSource,
			Metadata:             dr.Metadata,
			CreatedAt:            dr.CreatedAt,
		})
	}
	return out
}

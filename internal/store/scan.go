package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*domain.Operation, error) {
	var (
		op          domain.Operation
		id, extID   string
		startedAt   sql.NullTime
		metadata    sql.NullString
	)
	if err := row.Scan(&id, &extID, &op.Name, &startedAt, &metadata, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if op.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if op.ExternalID, err = uuid.Parse(extID); err != nil {
		return nil, err
	}
	op.StartedAt = nullableTime(startedAt)
	op.Metadata = nullableJSON(metadata)
	return &op, nil
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var (
		ex                  domain.Execution
		id, opExtID, linkID string
		agentHost, agentPaw sql.NullString
		command, linkState  sql.NullString
		pid, status         sql.NullInt64
		resultData, rawMsg  sql.NullString
		reportedAt          sql.NullTime
	)
	if err := row.Scan(&id, &opExtID, &agentHost, &agentPaw, &linkID, &command,
		&pid, &status, &resultData, &reportedAt, &linkState, &rawMsg, &ex.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if ex.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if ex.OperationExternalID, err = uuid.Parse(opExtID); err != nil {
		return nil, err
	}
	if ex.LinkID, err = uuid.Parse(linkID); err != nil {
		return nil, err
	}
	ex.AgentHost = agentHost.String
	ex.AgentPaw = agentPaw.String
	ex.Command = command.String
	ex.PID = int(pid.Int64)
	ex.Status = int(status.Int64)
	ex.ResultData = nullableJSON(resultData)
	ex.AgentReportedAt = nullableTime(reportedAt)
	ex.LinkState = linkState.String
	ex.RawMessage = nullableJSON(rawMsg)
	return &ex, nil
}

func scanDetectionExecution(row rowScanner) (*domain.DetectionExecution, error) {
	var (
		de               domain.DetectionExecution
		id, execID, opID string
		detType, status  string
		cfg, meta        sql.NullString
		startedAt        sql.NullTime
		completedAt      sql.NullTime
	)
	if err := row.Scan(&id, &execID, &opID, &detType, &de.DetectionPlatform, &cfg,
		&status, &startedAt, &completedAt, &de.RetryCount, &de.MaxRetries, &meta, &de.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if de.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if de.ExecutionID, err = uuid.Parse(execID); err != nil {
		return nil, err
	}
	if de.OperationExternalID, err = uuid.Parse(opID); err != nil {
		return nil, err
	}
	de.DetectionType = domain.DetectionType(detType)
	de.Status = domain.DetectionStatus(status)
	de.DetectionConfig = nullableJSON(cfg)
	de.StartedAt = nullableTime(startedAt)
	de.CompletedAt = nullableTime(completedAt)
	de.ExecutionMetadata = nullableJSON(meta)
	return &de, nil
}

func scanDetectionResult(row rowScanner) (*domain.DetectionResult, error) {
	var (
		dr            domain.DetectionResult
		id, detExecID string
		detected      sql.NullBool
		raw, parsed   sql.NullString
		source, meta  sql.NullString
	)
	if err := row.Scan(&id, &detExecID, &detected, &raw, &parsed,
		&dr.ResultTimestamp, &source, &meta, &dr.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if dr.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if dr.DetectionExecutionID, err = uuid.Parse(detExecID); err != nil {
		return nil, err
	}
	if detected.Valid {
		dr.Detected = domain.DetectedFromBool(&detected.Bool)
	} else {
		dr.Detected = domain.DetectedUnknown
	}
	dr.RawResponse = nullableJSON(raw)
	dr.ParsedResults = nullableJSON(parsed)
	dr.ResultSource = source.String
	dr.Metadata = nullableJSON(meta)
	return &dr, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func nullableJSON(s sql.NullString) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}

func jsonValue(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func jsonValueOr(b []byte, def string) string {
	if len(b) == 0 {
		return def
	}
	return string(b)
}

package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

const sampleRecord = `{
	"operation": {"id": "0a8f6321-98d9-4c55-8b7c-9e1a30c2b591", "name": "discovery-run", "started_at": "2025-05-01T10:00:00Z"},
	"execution": {
		"link_id": "7be1f4a2-bd5e-47cc-a2a6-7f0f9ecf64fa",
		"agent_host": "WIN-AB12", "agent_paw": "abcdef",
		"command": "whoami", "pid": 4242, "status": 0,
		"result_data": {"stdout": "corp\\alice", "stderr": "", "exit_code": 0},
		"agent_reported_at": "2025-05-01T10:05:12.123456Z",
		"link_state": "SUCCESS"
	},
	"detections": {"api": {"siem": {"query": "host=WIN-AB12"}}}
}`

func TestDecodeExecutionRecord(t *testing.T) {
	rec, err := DecodeExecutionRecord([]byte(sampleRecord))
	require.NoError(t, err)

	assert.Equal(t, "discovery-run", rec.Operation.Name)
	assert.Equal(t, "7be1f4a2-bd5e-47cc-a2a6-7f0f9ecf64fa", rec.Execution.LinkID.String())
	assert.Equal(t, "whoami", rec.Execution.Command)
	assert.Equal(t, 0, rec.Execution.ResultData.ExitCode)
	assert.Equal(t, "SUCCESS", rec.Execution.LinkState)
	require.Contains(t, rec.Detections, "api")
	assert.Contains(t, rec.Detections["api"], "siem")
	// The original payload is retained verbatim for audit.
	assert.JSONEq(t, sampleRecord, string(rec.Raw))
}

func TestDecodeExecutionRecordMissingFields(t *testing.T) {
	cases := map[string]string{
		"no operation id": `{"operation":{"name":"x"},"execution":{"link_id":"7be1f4a2-bd5e-47cc-a2a6-7f0f9ecf64fa"}}`,
		"no name":         `{"operation":{"id":"0a8f6321-98d9-4c55-8b7c-9e1a30c2b591"},"execution":{"link_id":"7be1f4a2-bd5e-47cc-a2a6-7f0f9ecf64fa"}}`,
		"no link id":      `{"operation":{"id":"0a8f6321-98d9-4c55-8b7c-9e1a30c2b591","name":"x"},"execution":{}}`,
		"not json":        `whoami /all`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeExecutionRecord([]byte(payload))
			assert.ErrorIs(t, err, domain.ErrMalformed)
		})
	}
}

func TestDecodeExecutionRecordDropsUnknownDetectionType(t *testing.T) {
	payload := strings.Replace(sampleRecord,
		`"detections": {"api":`,
		`"detections": {"solaris": {"sh": {}}, "api":`, 1)
	rec, err := DecodeExecutionRecord([]byte(payload))
	require.NoError(t, err)
	assert.NotContains(t, rec.Detections, "solaris")
	assert.Contains(t, rec.Detections, "api")
}

func TestDecodeExecutionRecordUnknownFieldsTolerated(t *testing.T) {
	payload := strings.Replace(sampleRecord, `"operation": {`, `"message_type": "execution_result", "operation": {"campaign": 7, `, 1)
	_, err := DecodeExecutionRecord([]byte(payload))
	assert.NoError(t, err)
}

func TestTaskRoundTrip(t *testing.T) {
	task := &TaskMessage{
		TaskID:               uuid.New(),
		DetectionExecutionID: uuid.New(),
		ExecutionID:          uuid.New(),
		OperationID:          uuid.New(),
		DetectionType:        domain.DetectionWindows,
		Platform:             "psh",
		Config:               json.RawMessage(`{"command":"Get-WinEvent"}`),
		MaxRetries:           2,
		EnqueuedAt:           At(time.Date(2025, 5, 1, 10, 6, 0, 123456000, time.UTC)),
	}
	body, err := EncodeTask(task)
	require.NoError(t, err)
	// Timestamps serialize in one canonical form only.
	assert.Contains(t, string(body), `"2025-05-01T10:06:00.123456Z"`)

	decoded, err := DecodeTask(body)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, decoded.TaskID)
	assert.Equal(t, task.DetectionType, decoded.DetectionType)
	assert.Equal(t, task.MaxRetries, decoded.MaxRetries)
	assert.JSONEq(t, string(task.Config), string(decoded.Config))
}

func TestDecodeTaskValidation(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"task_id":                uuid.NewString(),
			"detection_execution_id": uuid.NewString(),
			"execution_id":           uuid.NewString(),
			"operation_id":           uuid.NewString(),
			"detection_type":         "api",
			"platform":               "siem",
			"config":                 map[string]any{},
			"max_retries":            3,
		}
	}
	mutations := map[string]func(m map[string]any){
		"bad detection type": func(m map[string]any) { m["detection_type"] = "solaris" },
		"empty platform":     func(m map[string]any) { m["platform"] = "" },
		"negative retries":   func(m map[string]any) { m["max_retries"] = -1 },
		"missing task id":    func(m map[string]any) { delete(m, "task_id") },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := base()
			mutate(m)
			body, err := json.Marshal(m)
			require.NoError(t, err)
			_, err = DecodeTask(body)
			assert.ErrorIs(t, err, domain.ErrMalformed)
		})
	}
}

func TestDecodeResponseDetectedTriState(t *testing.T) {
	build := func(detected string) []byte {
		return []byte(`{
			"task_id": "` + uuid.NewString() + `",
			"detection_execution_id": "` + uuid.NewString() + `",
			"outcome": "ok",
			"detected": ` + detected + `,
			"source": "siem.test",
			"worker_id": "w1",
			"finished_at": "2025-05-01T10:07:00Z"
		}`)
	}

	for detected, want := range map[string]domain.Detected{
		`true`:      domain.DetectedTrue,
		`false`:     domain.DetectedFalse,
		`null`:      domain.DetectedUnknown,
		`"unknown"`: domain.DetectedUnknown,
	} {
		resp, err := DecodeResponse(build(detected))
		require.NoError(t, err, detected)
		assert.Equal(t, want, resp.Detected, detected)
	}

	_, err := DecodeResponse(build(`"maybe"`))
	assert.ErrorIs(t, err, domain.ErrMalformed)

	_, err = DecodeResponse(build(`1`))
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

func TestDecodeResponseOutcome(t *testing.T) {
	body := []byte(`{
		"task_id": "` + uuid.NewString() + `",
		"detection_execution_id": "` + uuid.NewString() + `",
		"outcome": "partial",
		"detected": true,
		"source": "s", "worker_id": "w", "finished_at": "2025-05-01T10:07:00Z"
	}`)
	_, err := DecodeResponse(body)
	assert.ErrorIs(t, err, domain.ErrMalformed)
	assert.True(t, errors.Is(err, domain.ErrMalformed))
}

func TestTimestampParsingVariants(t *testing.T) {
	var ts Timestamp
	for _, raw := range []string{
		`"2025-05-01T10:00:00Z"`,
		`"2025-05-01T10:00:00.123456Z"`,
		`"2025-05-01T12:00:00+02:00"`,
		`"2025-05-01T10:00:00.123456"`,
	} {
		require.NoError(t, ts.UnmarshalJSON([]byte(raw)), raw)
	}
	assert.Error(t, ts.UnmarshalJSON([]byte(`"May 1st"`)))

	out, err := At(time.Date(2025, 5, 1, 12, 0, 0, 0, time.FixedZone("ICT", 7*3600))).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2025-05-01T05:00:00.000000Z"`, string(out))
}

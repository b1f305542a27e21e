package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskProcessDiagnosis = "diagnosis.process"

const TaskMatchLeads = "matching.run"

const TaskNotificationOutboxDue = "notification.outbox.due"

type ProcessDiagnosisPayload struct {
	DiagnosisID string `json:"diagnosisId"`
}

type MatchLeadsPayload struct {
	DiagnosisID string `json:"diagnosisId"`
}

type NotificationOutboxDuePayload struct {
	OutboxID string `json:"outboxId"`
}

func NewProcessDiagnosisTask(payload ProcessDiagnosisPayload) (*asynq.Task, error) {
	return newTask(TaskProcessDiagnosis, payload)
}

func ParseProcessDiagnosisPayload(task *asynq.Task) (ProcessDiagnosisPayload, error) {
	return parsePayload[ProcessDiagnosisPayload](task)
}

func NewMatchLeadsTask(payload MatchLeadsPayload) (*asynq.Task, error) {
	return newTask(TaskMatchLeads, payload)
}

func ParseMatchLeadsPayload(task *asynq.Task) (MatchLeadsPayload, error) {
	return parsePayload[MatchLeadsPayload](task)
}

func NewNotificationOutboxDueTask(payload NotificationOutboxDuePayload) (*asynq.Task, error) {
	return newTask(TaskNotificationOutboxDue, payload)
}

func ParseNotificationOutboxDuePayload(task *asynq.Task) (NotificationOutboxDuePayload, error) {
	return parsePayload[NotificationOutboxDuePayload](task)
}

func newTask(typename string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, data), nil
}

func parsePayload[T any](task *asynq.Task) (T, error) {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}

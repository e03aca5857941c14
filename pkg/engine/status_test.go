package engine

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRunStatusValidate(t *testing.T) {
	for _, s := range []RunStatus{
		RunStatusRunning, RunStatusSucceeded, RunStatusPartial,
		RunStatusFailed, RunStatusCancelled,
	} {
		if err := s.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v", s, err)
		}
	}
	if err := RunStatus("bogus").Validate(); err == nil {
		t.Error("Validate(bogus) = nil")
	}
}

func TestRunStatusUnmarshalRejectsInvalid(t *testing.T) {
	var s RunStatus
	if err := json.Unmarshal([]byte(`"partial"`), &s); err != nil || s != RunStatusPartial {
		t.Errorf("Unmarshal(partial) = %v, %v", s, err)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Error("Unmarshal(bogus) = nil error")
	}
}

func TestStatusForReport(t *testing.T) {
	synced := SyncReport{Outcomes: []ResourceOutcome{{Status: ResourceStatusSynced}}}
	exhausted := SyncReport{Outcomes: []ResourceOutcome{
		{Status: ResourceStatusSynced},
		{Status: ResourceStatusExhausted},
	}}
	stopped := SyncReport{StopRequested: true}
	fatal := SyncReport{Err: errors.New("launch failed")}

	tests := []struct {
		name    string
		report  *SyncReport
		taskErr error
		want    RunStatus
	}{
		{"nil report", nil, nil, RunStatusFailed},
		{"fatal error", &fatal, nil, RunStatusFailed},
		{"task error", &synced, errors.New("portal down"), RunStatusFailed},
		{"stopped", &stopped, nil, RunStatusCancelled},
		{"exhausted resource", &exhausted, nil, RunStatusPartial},
		{"clean", &synced, nil, RunStatusSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForReport(tt.report, tt.taskErr); got != tt.want {
				t.Errorf("StatusForReport() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunKindValidate(t *testing.T) {
	for _, k := range []RunKind{RunKindFull, RunKindSync, RunKindReport, RunKindWatch} {
		if err := k.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v", k, err)
		}
	}
	if err := RunKind("bogus").Validate(); err == nil {
		t.Error("Validate(bogus) = nil")
	}
}

package storage

import (
	"reflect"
	"testing"
	"time"

	"ir-orchestrator/internal/model"
)

func TestToolIDs(t *testing.T) {
	r := &model.IncidentResponse{
		Executions: []model.ResponseExecution{
			{Action: model.ResponseActionConfig{ToolID: "edr-1"}},
			{Action: model.ResponseActionConfig{ToolID: "fw-1"}},
			{Action: model.ResponseActionConfig{ToolID: "edr-1"}},
			{Action: model.ResponseActionConfig{}},
		},
	}
	if got := toolIDs(r); !reflect.DeepEqual(got, []string{"edr-1", "fw-1"}) {
		t.Errorf("toolIDs = %v", got)
	}
	if got := toolIDs(&model.IncidentResponse{}); got == nil || len(got) != 0 {
		t.Errorf("empty response should give an empty, non-nil slice, got %#v", got)
	}
}

func TestNullTime(t *testing.T) {
	if nt := nullTime(nil); nt.Valid {
		t.Error("nil time should be NULL")
	}
	now := time.Now()
	if nt := nullTime(&now); !nt.Valid || !nt.Time.Equal(now) {
		t.Errorf("nullTime = %+v", nt)
	}
}

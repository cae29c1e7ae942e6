package repository

import (
	"errors"
	"testing"

	"github.com/mmeshcher/grantflow-system/internal/model"
)

func TestPlanMilestoneSync(t *testing.T) {
	existing := []model.Milestone{
		{ID: 1, Title: "design", Status: model.MilestoneStatusPending},
		{ID: 2, Title: "build", Status: model.MilestoneStatusPending},
		{ID: 3, Title: "ship", Status: model.MilestoneStatusPending},
	}

	type want struct {
		deleteIDs []int64
		insertLen int
		updateIDs []int64
	}

	tests := []struct {
		name     string
		existing []model.Milestone
		desired  []model.Milestone
		want     want
	}{
		{
			name:     "replace one keep one add one",
			existing: existing,
			desired: []model.Milestone{
				{ID: 1, Title: "design v2", PointsAllocated: 30},
				{Title: "document", PointsAllocated: 20},
			},
			want: want{
				deleteIDs: []int64{2, 3},
				insertLen: 1,
				updateIDs: []int64{1},
			},
		},
		{
			name:     "empty set deletes everything",
			existing: existing,
			desired:  nil,
			want: want{
				deleteIDs: []int64{1, 2, 3},
			},
		},
		{
			name:     "all new on empty proposal",
			existing: nil,
			desired: []model.Milestone{
				{Title: "a", PointsAllocated: 10},
				{Title: "b", PointsAllocated: 10},
			},
			want: want{
				insertLen: 2,
			},
		},
		{
			name: "completed milestone survives omission",
			existing: []model.Milestone{
				{ID: 1, Status: model.MilestoneStatusCompleted},
				{ID: 2, Status: model.MilestoneStatusPending},
			},
			desired: []model.Milestone{
				{Title: "new", PointsAllocated: 10},
			},
			want: want{
				deleteIDs: []int64{2},
				insertLen: 1,
			},
		},
		{
			name: "completed milestone is never updated",
			existing: []model.Milestone{
				{ID: 1, Status: model.MilestoneStatusCompleted},
				{ID: 2, Status: model.MilestoneStatusPending},
			},
			desired: []model.Milestone{
				{ID: 1, Title: "rewritten", PointsAllocated: 999},
				{ID: 2, Title: "still open", PointsAllocated: 10},
			},
			want: want{
				updateIDs: []int64{2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := planMilestoneSync(tt.existing, tt.desired)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !equalIDs(plan.deleteIDs, tt.want.deleteIDs) {
				t.Fatalf("deleteIDs = %v, want %v", plan.deleteIDs, tt.want.deleteIDs)
			}
			if len(plan.inserts) != tt.want.insertLen {
				t.Fatalf("inserts = %d, want %d", len(plan.inserts), tt.want.insertLen)
			}

			updateIDs := make([]int64, 0, len(plan.updates))
			for _, m := range plan.updates {
				updateIDs = append(updateIDs, m.ID)
			}
			if !equalIDs(updateIDs, tt.want.updateIDs) {
				t.Fatalf("updateIDs = %v, want %v", updateIDs, tt.want.updateIDs)
			}
		})
	}
}

func TestPlanMilestoneSync_Positions(t *testing.T) {
	existing := []model.Milestone{
		{ID: 1, Status: model.MilestoneStatusPending},
	}
	desired := []model.Milestone{
		{Title: "new first", PointsAllocated: 10},
		{ID: 1, Title: "moved second", PointsAllocated: 10},
	}

	plan, err := planMilestoneSync(existing, desired)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.inserts) != 1 || plan.inserts[0].Position != 0 {
		t.Fatalf("insert position = %+v, want position 0", plan.inserts)
	}
	if len(plan.updates) != 1 || plan.updates[0].Position != 1 {
		t.Fatalf("update position = %+v, want position 1", plan.updates)
	}
}

func TestPlanMilestoneSync_UnknownMilestone(t *testing.T) {
	existing := []model.Milestone{
		{ID: 1, Status: model.MilestoneStatusPending},
	}
	desired := []model.Milestone{
		{ID: 7, Title: "phantom", PointsAllocated: 10},
	}

	_, err := planMilestoneSync(existing, desired)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func equalIDs(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

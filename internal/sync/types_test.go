package sync

import "testing"

func TestIsUpstreamInsert(t *testing.T) {
	tests := []struct {
		name  string
		entry ChangeLogEntry
		owner string
		want  bool
	}{
		{"own prayer insert", ChangeLogEntry{TableName: TablePrayers, Operation: OperationInsert, OwnerID: "u1"}, "u1", true},
		{"someone else's prayer", ChangeLogEntry{TableName: TablePrayers, Operation: OperationInsert, OwnerID: "u2"}, "u1", false},
		{"prayer update", ChangeLogEntry{TableName: TablePrayers, Operation: OperationUpdate, OwnerID: "u1"}, "u1", false},
		{"response insert", ChangeLogEntry{TableName: TableResponses, Operation: OperationInsert, OwnerID: "u1"}, "u1", false},
		{"missing owner", ChangeLogEntry{TableName: TablePrayers, Operation: OperationInsert}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.IsUpstreamInsert(tt.owner); got != tt.want {
				t.Errorf("IsUpstreamInsert(%q) = %v, want %v", tt.owner, got, tt.want)
			}
		})
	}
}

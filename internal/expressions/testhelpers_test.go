package expressions

// sampleScope mirrors what the command executor builds for an assignment.
func sampleScope() map[string]any {
	return NewScope().
		MustSet("command", map[string]any{"name": "assignment", "kind": "lifecycle", "assignee": "bob"}).
		MustSet("process", map[string]any{"process_definition_key": "permits", "label": "Permits"}).
		MustSet("instance", map[string]any{
			"process_instance_id": "pi-1",
			"process_status":      "open",
			"application_status":  "Review",
			"tasks": []any{
				map[string]any{"task_instance_id": "t1", "active": true},
				map[string]any{"task_instance_id": "t2", "active": false},
			},
		}).
		MustSet("principal", map[string]any{"id": "alice", "groups": []any{"reviewers"}}).
		Vars()
}

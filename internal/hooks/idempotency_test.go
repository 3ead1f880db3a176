package hooks

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestAgentIdempotencyKeyDedup(t *testing.T) {
	hs, d := newHookServer(t, nil)
	body := map[string]string{"prompt": "do a thing", "idempotencyKey": "delivery-42"}

	resp := post(t, hs.URL+"/hooks/agent", "hook-token", body, nil)
	var first map[string]string
	json.NewDecoder(resp.Body).Decode(&first)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d", resp.StatusCode)
	}

	// Redelivery returns the existing task instead of creating a duplicate.
	resp = post(t, hs.URL+"/hooks/agent", "hook-token", body, nil)
	var second map[string]string
	json.NewDecoder(resp.Body).Decode(&second)
	resp.Body.Close()

	if first["taskId"] == "" || first["taskId"] != second["taskId"] {
		t.Fatalf("taskIds = %q vs %q", first["taskId"], second["taskId"])
	}
	tasks, _ := d.ListTasks("", 10, 0)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
}

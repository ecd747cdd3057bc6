package smoke

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSmoke_CLIRosterAndHeartbeat(t *testing.T) {
	bin := buildOpsboardBinary(t)
	home := t.TempDir()
	writeConfig(t, home, "")

	out, err := runCLI(t, bin, home, "agents", "upsert", "--name", "Scout", "--session-key", "agent:scout:main", "--level", "lead")
	if err != nil {
		t.Fatalf("agents upsert: %v\n%s", err, out)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		t.Fatalf("agents upsert printed no id")
	}

	out, err = runCLI(t, bin, home, "agents", "list", "--json")
	if err != nil {
		t.Fatalf("agents list: %v\n%s", err, out)
	}
	var agents []map[string]any
	if err := json.Unmarshal([]byte(out), &agents); err != nil {
		t.Fatalf("agents list output is not JSON: %v\n%s", err, out)
	}
	if len(agents) != 1 || agents[0]["id"] != id || agents[0]["level"] != "lead" {
		t.Fatalf("agents = %v", agents)
	}

	out, err = runCLI(t, bin, home, "heartbeat", "--session-key", "agent:scout:main")
	if err != nil {
		t.Fatalf("heartbeat: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != "HEARTBEAT_OK" {
		t.Fatalf("heartbeat output = %q", out)
	}

	out, err = runCLI(t, bin, home, "pending")
	if err != nil {
		t.Fatalf("pending: %v\n%s", err, out)
	}
	if !strings.Contains(out, "queue is empty") {
		t.Fatalf("pending output = %q", out)
	}
}

func TestSmoke_CLIHeartbeatRequiresSessionKey(t *testing.T) {
	bin := buildOpsboardBinary(t)
	home := t.TempDir()
	writeConfig(t, home, "")

	out, err := runCLI(t, bin, home, "heartbeat")
	if err == nil {
		t.Fatalf("expected failure without --session-key\n%s", out)
	}
	if !strings.Contains(out, "session-key") {
		t.Fatalf("error does not name the flag: %s", out)
	}
}

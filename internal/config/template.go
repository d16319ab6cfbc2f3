package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const fileTemplate = `# myagent server configuration.
# Values here can be overridden with MYAGENT_* environment variables,
# e.g. MYAGENT_SERVER_PORT=9000.

server:
  host: "0.0.0.0"
  port: 8765
  # Empty list allows every origin.
  allowed_origins: []
  # Optional prefix applied to every outbound event name on the wire.
  event_namespace: ""
  heartbeat_interval: 60s
  # Closed sessions retained for /api/sessions.
  session_history: 128

outbound:
  # Events queued per connection before producers block.
  max_queue_size: 1000
  # 0 disables coalescing of high-frequency partial events.
  coalesce_window_ms: 75
  coalesce_events:
    - agent.partial_answer
    - agent.llm_message

pipeline:
  name: plan-solve
  # Simultaneous solver runs; 0 means unbounded.
  concurrency: 3
  require_plan_confirmation: false
  plan_confirmation_timeout: 300s
  # false omits the task list from plan.completed payloads.
  broadcast_tasks: true
  max_retry_attempts: 2
  retry_delay: 2s

logging:
  level: info
`

// WriteTemplate writes the commented default configuration to path,
// refusing to overwrite an existing file.
func WriteTemplate(path string) error {
	if path == "" {
		path = "myagent-config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(fileTemplate), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

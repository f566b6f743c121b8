// Command taskcoordctl is a thin management client for a running
// taskcoordd daemon: one -action verb per internal/api route, with a
// -json flag to switch between a human report and a raw JSON dump.
// It never opens the SQLite database directly — only the daemon holds
// that connection — so every action goes over HTTP. Grounded on
// cmd/dbctl/main.go's -action/-json flag dispatch, adapted from direct
// database access to an HTTP client.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8420", "taskcoordd base URL")
	action := flag.String("action", "", "status|create-project|list-projects|progress|create-task|list-tasks|available|claim|start|release|submit|review|retry|cancel|register-agent|heartbeat|get-agent|list-agents")
	jsonOutput := flag.Bool("json", false, "print raw JSON instead of a formatted report")

	project := flag.Int64("project", 0, "project id")
	task := flag.Int64("task", 0, "task id")
	agent := flag.String("agent", "", "agent name")
	name := flag.String("name", "", "project/task name or title")
	description := flag.String("description", "", "project/task description")
	taskType := flag.String("type", "research", "task type")
	priority := flag.Int("priority", 5, "task priority (1-10)")
	deps := flag.String("deps", "", "comma-separated dependency task ids")
	result := flag.String("result", "{}", "JSON result payload for submit")
	approved := flag.Bool("approved", true, "approve (true) or reject (false) for review")
	feedback := flag.String("feedback", "", "review feedback")
	skills := flag.String("skills", "", "comma-separated skill filter for available")

	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "usage: taskcoordctl -addr <url> -action <verb> [flags]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	c := &client{base: strings.TrimRight(*addr, "/"), agent: *agent, http: &http.Client{Timeout: 10 * time.Second}}

	var (
		data interface{}
		err  error
	)

	switch *action {
	case "status":
		data, err = c.get("/api/health")

	case "create-project":
		data, err = c.post("/api/projects", map[string]interface{}{
			"name":        *name,
			"description": *description,
		})

	case "list-projects":
		data, err = c.get("/api/projects")

	case "progress":
		data, err = c.get("/api/projects/" + strconv.FormatInt(*project, 10) + "/progress")

	case "create-task":
		data, err = c.post("/api/tasks", map[string]interface{}{
			"project_id":   *project,
			"title":        *name,
			"description":  *description,
			"task_type":    *taskType,
			"priority":     *priority,
			"dependencies": parseIDs(*deps),
		})

	case "list-tasks":
		q := ""
		if *project != 0 {
			q = "?project_id=" + strconv.FormatInt(*project, 10)
		}
		data, err = c.get("/api/tasks" + q)

	case "available":
		q := ""
		if *skills != "" {
			q = "?skills=" + *skills
		}
		if *agent != "" {
			data, err = c.get("/api/agents/" + *agent + "/tasks/available")
		} else {
			data, err = c.get("/api/tasks/available" + q)
		}

	case "claim":
		data, err = c.postIdempotent(taskPath(*task, "claim"), nil)

	case "start":
		data, err = c.post(taskPath(*task, "start"), nil)

	case "release":
		data, err = c.post(taskPath(*task, "release"), nil)

	case "submit":
		raw := json.RawMessage(*result)
		data, err = c.postIdempotent(taskPath(*task, "submit"), map[string]interface{}{"result": raw})

	case "review":
		data, err = c.post(taskPath(*task, "review"), map[string]interface{}{
			"approved": *approved,
			"feedback": *feedback,
		})

	case "retry":
		data, err = c.post(taskPath(*task, "retry"), nil)

	case "cancel":
		data, err = c.post(taskPath(*task, "cancel"), nil)

	case "register-agent":
		data, err = c.post("/api/agents", map[string]interface{}{"name": *agent})

	case "heartbeat":
		data, err = c.post("/api/agents/"+*agent+"/heartbeat", map[string]interface{}{"current_task_id": nilIfZero(*task)})

	case "get-agent":
		data, err = c.get("/api/agents/" + *agent)

	case "list-agents":
		data, err = c.get("/api/agents")

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "taskcoordctl: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data)
		return
	}
	printReport(*action, data)
}

func taskPath(id int64, verb string) string {
	return "/api/tasks/" + strconv.FormatInt(id, 10) + "/" + verb
}

func parseIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func nilIfZero(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// client is a small HTTP wrapper carrying the caller's agent identity
// and issuing fresh idempotency keys for at-most-once operations,
// mirroring how any other agent process is expected to call taskcoordd.
type client struct {
	base  string
	agent string
	http  *http.Client
}

func (c *client) do(method, path string, body interface{}, idempotent bool) (interface{}, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.agent != "" {
		req.Header.Set("X-Agent-Name", c.agent)
	}
	if idempotent {
		req.Header.Set("X-Idempotency-Key", uuid.New().String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if jsonErr := json.Unmarshal(raw, &apiErr); jsonErr == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s %s: %d %s (%s)", method, path, resp.StatusCode, apiErr.Error, apiErr.Code)
		}
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return out, nil
}

func (c *client) get(path string) (interface{}, error) {
	return c.do(http.MethodGet, path, nil, false)
}

func (c *client) post(path string, body interface{}) (interface{}, error) {
	return c.do(http.MethodPost, path, body, false)
}

func (c *client) postIdempotent(path string, body interface{}) (interface{}, error) {
	return c.do(http.MethodPost, path, body, true)
}

// printReport renders a response as a short human-readable summary,
// matching internal/bootstrap/cli.go's StatusCommand style of labeled
// fields rather than a raw struct dump.
func printReport(action string, data interface{}) {
	m, ok := data.(map[string]interface{})
	if !ok {
		fmt.Println(data)
		return
	}

	switch action {
	case "status":
		fmt.Printf("taskcoordd: %v\n", m["status"])
		if uptime, ok := m["uptime_seconds"].(float64); ok {
			fmt.Printf("  uptime:       %s\n", humanize.Time(time.Now().Add(-time.Duration(uptime)*time.Second)))
		}
		if ws, ok := m["connected_ws"].(float64); ok {
			fmt.Printf("  ws clients:   %d\n", int(ws))
		}

	case "list-projects":
		printList(m["projects"], "project")

	case "list-tasks", "available":
		printList(m["tasks"], "task")

	case "list-agents":
		printList(m["agents"], "agent")

	case "progress":
		fmt.Printf("project %v progress: %v total\n", m["project_id"], m["total"])
		if byStatus, ok := m["by_status"].(map[string]interface{}); ok {
			for status, count := range byStatus {
				fmt.Printf("  %-12s %v\n", status, count)
			}
		}

	default:
		printEntity(m)
	}
}

func printList(v interface{}, label string) {
	items, _ := v.([]interface{})
	fmt.Printf("%d %s(s)\n", len(items), label)
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			printEntity(m)
		}
	}
}

func printEntity(m map[string]interface{}) {
	id := firstNonEmpty(m["id"], m["name"])
	title := firstNonEmpty(m["title"], m["status"])
	fmt.Printf("  [%v] %v", id, title)
	if status, ok := m["status"]; ok && m["title"] != nil {
		fmt.Printf(" (%v)", status)
	}
	if assignee, ok := m["assignee"]; ok && assignee != "" && assignee != nil {
		fmt.Printf(" assignee=%v", assignee)
	}
	fmt.Println()
}

func firstNonEmpty(vals ...interface{}) interface{} {
	for _, v := range vals {
		if v != nil && v != "" {
			return v
		}
	}
	return ""
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// LogEntry matches the Zap JSON structure
type LogEntry struct {
	Level    string `json:"level"`
	Msg      string `json:"msg"`
	Service  string `json:"service"`
	Tier     string `json:"tier"`
	Task     string `json:"task"`
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Schedule string `json:"schedule"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	fmt.Println(colorCyan + "🚀 Stack Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Listening for events from orchestrator, workers and beat..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	// Follow the whole compose stack; JSON lines get prettified, the
	// rest is ignored.
	cmd := exec.Command("docker", "compose", "logs", "-f",
		"orchestrator", "entities-worker", "parsers-worker", "entities-beat", "parsers-beat", "gateway")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Printf("Error creating stdout pipe: %v\n", err)
		return
	}

	if err := cmd.Start(); err != nil {
		fmt.Printf("Error starting docker logs command: %v\n", err)
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		// Compose log format: "service-name  | {JSON}"
		parts := strings.SplitN(line, "|", 2)
		if len(parts) < 2 {
			continue
		}

		serviceLabel := strings.TrimSpace(parts[0])
		jsonPayload := strings.TrimSpace(parts[1])

		var entry LogEntry
		if err := json.Unmarshal([]byte(jsonPayload), &entry); err != nil {
			// Not a JSON log or different format, ignore
			continue
		}

		prettify(serviceLabel, entry)
	}

	if err := cmd.Wait(); err != nil {
		fmt.Printf("Docker command exited: %v\n", err)
	}
}

func prettify(serviceLabel string, entry LogEntry) {
	source := colorGray + serviceLabel + colorReset
	switch {
	case strings.Contains(serviceLabel, "orchestrator"):
		source = colorBlue + "ORCHESTRATOR" + colorReset
	case strings.Contains(serviceLabel, "entities"):
		source = colorPurple + "ENTITIES" + colorReset
	case strings.Contains(serviceLabel, "parsers"):
		source = colorCyan + "PARSERS" + colorReset
	case strings.Contains(serviceLabel, "gateway"):
		source = colorYellow + "GATEWAY" + colorReset
	}

	switch {
	case entry.Msg == "Node state changed":
		color := colorYellow
		if entry.To == "HEALTHY" {
			color = colorGreen
		} else if entry.To == "FAILED" {
			color = colorRed
		}
		fmt.Printf("[%s] 🔀 %s%s:%s %s → %s\n", source, color, "State", colorReset, entry.From, entry.To)
	case entry.Msg == "Task processed":
		fmt.Printf("[%s] ✅ "+colorGreen+"Task Done:"+colorReset+" %s (%s)\n", source, entry.Task, entry.ID)
	case entry.Msg == "Task failed, scheduling retry":
		fmt.Printf("[%s] 🔁 "+colorYellow+"Retrying:"+colorReset+"  %s (%s)\n", source, entry.Task, entry.ID)
	case entry.Msg == "Task dead-lettered":
		fmt.Printf("[%s] 💀 "+colorRed+"Dead Letter:"+colorReset+" %s (%s)\n", source, entry.Task, entry.ID)
	case entry.Msg == "Scheduled task fired":
		fmt.Printf("[%s] ⏰ "+colorBlue+"Beat Fired:"+colorReset+" %s\n", source, entry.Schedule)
	case entry.Msg == "Acquired beat lease, scheduling":
		fmt.Printf("[%s] 👑 "+colorGreen+"Beat Leader"+colorReset+" (%s)\n", source, entry.Tier)
	case entry.Level == "error":
		fmt.Printf("[%s] ❌ "+colorRed+"ERROR:"+colorReset+" %s\n", source, entry.Msg)
	}
}

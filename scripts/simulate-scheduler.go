// Command simulate-scheduler impersonates a WebLab-Deusto scheduler
// against a running gateway: it assigns users, tracks their statuses
// and randomly logs them out or deletes them, so the whole session
// lifecycle can be exercised without a real scheduler installation.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
)

var (
	gatewayURL  = flag.String("gateway", "http://localhost:8080", "Gateway base URL")
	username    = flag.String("username", "weblabdeusto", "Scheduler username")
	password    = flag.String("password", "password", "Scheduler password")
	numUsers    = flag.Int("users", 5, "Number of users to assign")
	slotLength  = flag.Float64("slot", 120, "Slot length in seconds")
	joinRate    = flag.Duration("join-rate", 2*time.Second, "Time between assignments")
	exitRate    = flag.Float64("exit-rate", 0.2, "Probability of deleting a session per status round")
	statusEvery = flag.Duration("status-interval", 5*time.Second, "Interval between status rounds")
)

func main() {
	flag.Parse()

	client := &http.Client{Timeout: 15 * time.Second}

	if !checkCredentials(client) {
		fmt.Println("❌ Gateway rejected the scheduler credentials")
		os.Exit(1)
	}
	fmt.Printf("✅ Connected to gateway at %s\n", *gatewayURL)

	sessions := make(map[string]string) // session id -> username
	for i := 0; i < *numUsers; i++ {
		user := fmt.Sprintf("student-%s", uuid.New().String()[:8])
		sessionID, url, err := startSession(client, user)
		if err != nil {
			fmt.Printf("❌ Failed to assign %s: %v\n", user, err)
			continue
		}
		sessions[sessionID] = user
		fmt.Printf("🎓 Assigned %s -> %s (%s)\n", user, sessionID[:12], url)
		time.Sleep(*joinRate)
	}

	fmt.Printf("\n📊 %d sessions live, polling statuses every %v (Ctrl+C to stop)\n\n", len(sessions), *statusEvery)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(*statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			fmt.Println("\n👋 Simulation stopped")
			return
		case <-ticker.C:
			statusRound(client, sessions)
			if len(sessions) == 0 {
				fmt.Println("🏁 All sessions finished")
				return
			}
		}
	}
}

func statusRound(client *http.Client, sessions map[string]string) {
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}

	statuses, err := multipleStatus(client, ids)
	if err != nil {
		fmt.Printf("❌ Status round failed: %v\n", err)
		return
	}

	for id, status := range statuses {
		user := sessions[id]
		switch {
		case status == -1:
			fmt.Printf("🏁 %s (%s) finished\n", user, id[:12])
			deleteSession(client, id)
			delete(sessions, id)
		case status == 2:
			fmt.Printf("⏳ %s (%s) still disposing\n", user, id[:12])
		case rand.Float64() < *exitRate:
			fmt.Printf("🔚 Deleting %s (%s)\n", user, id[:12])
			deleteSession(client, id)
			delete(sessions, id)
		default:
			fmt.Printf("✅ %s (%s) active, next check in %.0fs\n", user, id[:12], status)
		}
	}
}

func checkCredentials(client *http.Client) bool {
	req, err := http.NewRequest(http.MethodGet, *gatewayURL+"/weblab/sessions/test", nil)
	if err != nil {
		return false
	}
	req.SetBasicAuth(*username, *password)

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func startSession(client *http.Client, user string) (string, string, error) {
	now := time.Now().UTC()
	body := map[string]any{
		"client_initial_data": map[string]any{},
		"server_initial_data": map[string]any{
			"priority.queue.slot.start":             now.Format("2006-01-02 15:04:05"),
			"priority.queue.slot.length":            fmt.Sprintf("%g", *slotLength),
			"request.username":                      user,
			"request.username.unique":               user + "@simulator",
			"request.full_name":                     user,
			"request.experiment_id.experiment_name": "simulated",
			"request.experiment_id.category_name":   "Simulations",
			"request.locale":                        "en",
		},
		"back": *gatewayURL + "/simulator-back",
	}

	var out struct {
		SessionID string `json:"session_id"`
		URL       string `json:"url"`
	}
	if err := post(client, "/weblab/sessions/", body, &out); err != nil {
		return "", "", err
	}
	return out.SessionID, out.URL, nil
}

func multipleStatus(client *http.Client, ids []string) (map[string]float64, error) {
	var out struct {
		Statuses map[string]float64 `json:"status"`
	}
	err := post(client, "/weblab/sessions/status/multiple", map[string]any{"session_ids": ids}, &out)
	if err != nil {
		return nil, err
	}
	return out.Statuses, nil
}

func deleteSession(client *http.Client, sessionID string) {
	if err := post(client, "/weblab/sessions/"+sessionID, map[string]any{"action": "delete"}, nil); err != nil {
		fmt.Printf("❌ Failed to delete %s: %v\n", sessionID[:12], err)
	}
}

func post(client *http.Client, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, *gatewayURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.SetBasicAuth(*username, *password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// The agent is the field-device side of the controller: it polls the
// desired state, drives the relay output, and reports what it applied.
// The GPIO write is simulated; a real deployment replaces driveRelay
// with the board-specific pin toggle.

type stateResponse struct {
	RelayID     string `json:"relay_id"`
	Desired     string `json:"desired"`
	LastApplied string `json:"last_applied"`
}

type reportRequest struct {
	Applied string `json:"applied"`
	Source  string `json:"source"`
}

type agent struct {
	client        *http.Client
	controllerURL string
	relayID       string
	apiKey        string
	agentID       string
	lastApplied   string
}

func main() {
	controllerURL := getEnv("CONTROLLER_URL", "http://localhost:5000")
	relayID := getEnv("RELAY_ID", "rele-1")
	apiKey := getEnv("API_KEY", "MINHA_CHAVE")
	agentID := getEnv("AGENT_ID", "relay-agent-1")
	pollInterval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 10)) * time.Second

	log.Printf("Starting %s for relay %s against %s", agentID, relayID, controllerURL)

	a := &agent{
		client:        &http.Client{Timeout: 10 * time.Second},
		controllerURL: controllerURL,
		relayID:       relayID,
		apiKey:        apiKey,
		agentID:       agentID,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, stopping", sig)
		cancel()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			log.Println("Agent stopped")
			return
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				log.Printf("Poll failed: %v (retrying in %s)", err, backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (a *agent) poll(ctx context.Context) error {
	desired, err := a.fetchDesired(ctx)
	if err != nil {
		return err
	}

	if desired == a.lastApplied {
		return nil
	}

	a.driveRelay(desired)

	if err := a.report(ctx, desired); err != nil {
		return err
	}

	a.lastApplied = desired
	return nil
}

func (a *agent) fetchDesired(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/api/v1/relays/%s/state", a.controllerURL, a.relayID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-Key", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("controller returned status %d", resp.StatusCode)
	}

	var state stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return "", fmt.Errorf("failed to decode state: %w", err)
	}

	return state.Desired, nil
}

func (a *agent) driveRelay(state string) {
	// Simulated GPIO write.
	log.Printf("Relay %s output -> %s", a.relayID, state)
}

func (a *agent) report(ctx context.Context, applied string) error {
	body, err := json.Marshal(reportRequest{Applied: applied, Source: a.agentID})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/v1/relays/%s/reports", a.controllerURL, a.relayID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to report applied state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report rejected with status %d", resp.StatusCode)
	}

	log.Printf("Reported applied state %s for relay %s", applied, a.relayID)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

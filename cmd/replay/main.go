// Replay tool for running recorded platform events against Kestrel.
//
// Usage:
//
//	go run ./cmd/replay -csv events.csv -url http://localhost:8080
//
// The CSV needs the columns event, userId and data (a JSON object). An
// optional isFraud column (1/true) enables the confusion matrix.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one row of the replay file.
type Event struct {
	Row     int
	Event   string
	UserID  string
	Data    map[string]any
	Labeled bool
	IsFraud bool
}

// EvaluateRequest is the Kestrel API request format
type EvaluateRequest struct {
	Event  string         `json:"event"`
	UserID string         `json:"userId"`
	Data   map[string]any `json:"data,omitempty"`
}

// EvaluateResponse is the Kestrel API response format
type EvaluateResponse struct {
	RiskScore int    `json:"riskScore"`
	Action    string `json:"action"` // "approved" or "flagged"
}

// Metrics tracks replay results
type Metrics struct {
	Approved int64
	Flagged  int64

	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Legitimate flagged
	TrueNegatives  int64 // Legitimate approved
	FalseNegatives int64 // Fraud approved

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to event CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 0, "Maximum events to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	idempotent := flag.Bool("idempotent", false, "Send an Idempotency-Key per row")
	verbose := flag.Bool("verbose", false, "Print each event result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/events.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL REPLAY")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	events, skipped, err := readEvents(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d events (%d malformed rows skipped)\n", len(events), skipped)

	start := time.Now()
	metrics := runReplay(events, *baseURL, *workers, *idempotent, *verbose)
	printResults(metrics, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readEvents parses the replay CSV. Rows with a wrong column count or an
// unparseable data column are skipped and counted.
func readEvents(r io.Reader, limit int) ([]Event, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"event", "userid"} {
		if _, ok := colIndex[required]; !ok {
			return nil, 0, fmt.Errorf("missing required column %q", required)
		}
	}
	dataCol, hasData := colIndex["data"]
	fraudCol, hasLabel := colIndex["isfraud"]

	var events []Event
	skipped := 0
	row := 1

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil || len(record) < len(header) {
			skipped++
			continue
		}

		ev := Event{
			Row:    row,
			Event:  record[colIndex["event"]],
			UserID: record[colIndex["userid"]],
		}
		if hasData && strings.TrimSpace(record[dataCol]) != "" {
			if err := json.Unmarshal([]byte(record[dataCol]), &ev.Data); err != nil {
				skipped++
				continue
			}
		}
		if hasLabel {
			if fraud, err := strconv.ParseBool(strings.TrimSpace(record[fraudCol])); err == nil {
				ev.Labeled = true
				ev.IsFraud = fraud
			}
		}

		events = append(events, ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}

	return events, skipped, nil
}

func runReplay(events []Event, baseURL string, numWorkers int, idempotent, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Event, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ev := range work {
				start := time.Now()
				result, err := evaluateEvent(client, baseURL, ev, idempotent)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: row %d %s -> %v\n", ev.Row, ev.UserID, err)
					}
					continue
				}

				metrics.record(ev, result)

				if verbose {
					fmt.Printf("row %-6d | %-20s | %-24s | score %3d | %s\n",
						ev.Row, ev.Event, ev.UserID, result.RiskScore, result.Action)
				}
			}
		}()
	}

	for _, ev := range events {
		work <- ev
	}
	close(work)
	wg.Wait()

	return metrics
}

func (m *Metrics) record(ev Event, result *EvaluateResponse) {
	flagged := result.Action == "flagged"
	if flagged {
		atomic.AddInt64(&m.Flagged, 1)
	} else {
		atomic.AddInt64(&m.Approved, 1)
	}

	if !ev.Labeled {
		return
	}
	switch {
	case flagged && ev.IsFraud:
		atomic.AddInt64(&m.TruePositives, 1)
	case flagged && !ev.IsFraud:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !flagged && !ev.IsFraud:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

func evaluateEvent(client *http.Client, baseURL string, ev Event, idempotent bool) (*EvaluateResponse, error) {
	body, err := json.Marshal(EvaluateRequest{Event: ev.Event, UserID: ev.UserID, Data: ev.Data})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotent {
		httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("replay-%d-%s", ev.Row, ev.UserID))
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\n   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Approved:         %d\n", m.Approved)
	fmt.Printf("   Flagged:          %d\n", m.Flagged)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	labeled := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if labeled > 0 {
		fmt.Println("\n   CONFUSION MATRIX")
		fmt.Println("                    flagged   approved")
		fmt.Printf("      fraud        %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
		fmt.Printf("      legitimate   %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

		precision, recall := m.precisionRecall()
		fmt.Printf("\n   Precision:  %.4f\n", precision)
		fmt.Printf("   Recall:     %.4f\n", recall)
	}

	fmt.Printf("\n   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		eps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f events/sec\n", eps)
	}
	fmt.Println()
}

func (m *Metrics) precisionRecall() (precision, recall float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	return precision, recall
}

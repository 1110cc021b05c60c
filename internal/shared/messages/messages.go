package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// MessageText is a push notification template. Body may hold fmt verbs,
// filled in by the caller in a fixed order documented on each field of
// Messages.
type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Format fills the body verbs.
func (m MessageText) Format(args ...any) (string, string) {
	if len(args) == 0 || !strings.Contains(m.Body, "%") {
		return m.Title, m.Body
	}
	return m.Title, fmt.Sprintf(m.Body, args...)
}

type Messages struct {
	// Body args: source label.
	ConnectionExpired MessageText `json:"connection_expired"`
	// Body args: source label, consecutive failures.
	CircuitOpened MessageText `json:"circuit_opened"`
	// Used for a single critical discrepancy; the body is the discrepancy's
	// own description.
	CriticalDiscrepancy MessageText `json:"critical_discrepancy"`
	// Body args: count.
	CriticalDiscrepancies MessageText `json:"critical_discrepancies"`
}

// Default returns the built-in English texts.
func Default() *Messages {
	return &Messages{
		ConnectionExpired: MessageText{
			Title: "Connection needs attention",
			Body:  "Your %s connection has expired. Reconnect it to resume syncing.",
		},
		CircuitOpened: MessageText{
			Title: "Sync paused",
			Body:  "Syncing %s failed %d times in a row and has been paused.",
		},
		CriticalDiscrepancy: MessageText{
			Title: "Critical discrepancy found",
		},
		CriticalDiscrepancies: MessageText{
			Title: "Critical discrepancies found",
			Body:  "%d critical discrepancies need review.",
		},
	}
}

// Load reads a JSON file of texts over the defaults. Entries missing from the
// file keep their default text.
func Load(path string) (*Messages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}

	m := Default()
	var override Messages
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}

	merge(&m.ConnectionExpired, override.ConnectionExpired)
	merge(&m.CircuitOpened, override.CircuitOpened)
	merge(&m.CriticalDiscrepancy, override.CriticalDiscrepancy)
	merge(&m.CriticalDiscrepancies, override.CriticalDiscrepancies)
	return m, nil
}

func merge(dst *MessageText, src MessageText) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
}

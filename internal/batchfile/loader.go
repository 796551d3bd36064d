// Package batchfile loads ordered message collections from CSV, JSON,
// and JSONL files and derives the deterministic batch ID that ties an
// input file to its persisted dispatch state.
package batchfile

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mailgoatai/mailgoat-sub005/internal/sender"
)

// Load reads messages from path, dispatching on the file extension:
// .csv, .json (array), or .jsonl/.ndjson (one object per line).
func Load(path string) ([]sender.Message, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadCSV(path)
	case ".json":
		return loadJSON(path)
	case ".jsonl", ".ndjson":
		return loadJSONL(path)
	default:
		return nil, fmt.Errorf("batchfile: unsupported input format %q", filepath.Ext(path))
	}
}

// BatchID derives the stable identifier for an input source: a SHA-256
// over the absolute path and the message count, truncated to 16 hex
// characters. Re-invoking with the same input reattaches to the same
// persisted batch state.
func BatchID(path string, count int) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("batchfile: resolve %s: %w", path, err)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", abs, count)))
	return hex.EncodeToString(sum[:])[:16], nil
}

func loadCSV(path string) ([]sender.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("batchfile: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("batchfile: read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["to"]; !ok {
		return nil, fmt.Errorf("batchfile: CSV is missing required column %q", "to")
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var msgs []sender.Message
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("batchfile: read CSV row: %w", err)
		}
		line++
		msg := sender.Message{
			To:      splitAddrs(field(row, "to")),
			Cc:      splitAddrs(field(row, "cc")),
			Bcc:     splitAddrs(field(row, "bcc")),
			Subject: field(row, "subject"),
			Body:    field(row, "body"),
			HTML:    field(row, "html"),
			Tag:     field(row, "tag"),
		}
		if err := validateMessage(&msg); err != nil {
			return nil, fmt.Errorf("batchfile: line %d: %w", line, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func loadJSON(path string) ([]sender.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("batchfile: open %s: %w", path, err)
	}
	var msgs []sender.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("batchfile: parse %s: %w", path, err)
	}
	for i := range msgs {
		if err := validateMessage(&msgs[i]); err != nil {
			return nil, fmt.Errorf("batchfile: message %d: %w", i, err)
		}
	}
	return msgs, nil
}

func loadJSONL(path string) ([]sender.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("batchfile: open %s: %w", path, err)
	}
	defer f.Close()

	var msgs []sender.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var msg sender.Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return nil, fmt.Errorf("batchfile: line %d: %w", line, err)
		}
		if err := validateMessage(&msg); err != nil {
			return nil, fmt.Errorf("batchfile: line %d: %w", line, err)
		}
		msgs = append(msgs, msg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("batchfile: read %s: %w", path, err)
	}
	return msgs, nil
}

func validateMessage(msg *sender.Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	for _, addr := range msg.To {
		if !strings.Contains(addr, "@") {
			return fmt.Errorf("invalid recipient %q", addr)
		}
	}
	if msg.Subject == "" {
		return fmt.Errorf("empty subject")
	}
	if msg.Body == "" && msg.HTML == "" {
		return fmt.Errorf("empty body")
	}
	return nil
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

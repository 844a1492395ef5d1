package wallbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pvcharge/pvcharge/udpchannel"
)

// Result is a parsed command reply, keyed by field name. Values are float64
// where the payload was numeric, otherwise string.
type Result map[string]interface{}

// Float returns the named field as a float64, with ok=false when missing or
// not numeric.
func (r Result) Float(field string) (float64, bool) {
	val, ok := r[field]
	if !ok {
		return 0, false
	}
	num, ok := val.(float64)
	return num, ok
}

// Int returns the named field as an int. String-typed numbers (the wallbox
// reports "ID" as a string) are coerced.
func (r Result) Int(field string) (int, bool) {
	val, ok := r[field]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// String returns the named field rendered as a string.
func (r Result) String(field string) (string, bool) {
	val, ok := r[field]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", val), true
}

// parseReply converts a raw reply payload into a Result. JSON is tried first;
// everything else falls back to the line/';'/'=' delimited key-value form some
// firmware versions use. Numeric values are parsed as floats where possible.
func parseReply(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty reply")
	}

	if strings.HasPrefix(text, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			return Result(obj), nil
		}
		// fall through to the key-value form for malformed JSON
	}

	result := make(Result)
	for _, line := range strings.Split(text, "\n") {
		for _, item := range strings.Split(line, ";") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}

			key, val, found := strings.Cut(item, "=")
			if !found {
				key, val, found = strings.Cut(item, ":")
			}
			if !found {
				// a bare token such as "TCH-OK" without a value
				result[item] = ""
				continue
			}

			key = strings.TrimSpace(key)
			val = strings.TrimSpace(val)
			if num, err := strconv.ParseFloat(val, 64); err == nil {
				result[key] = num
			} else {
				result[key] = val
			}
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("unparseable reply: %q", text)
	}
	return result, nil
}

// idMatches returns true if the message carries an "ID" field equal to n.
// The device reports the ID as a JSON string.
func idMatches(msg udpchannel.Message, n int) bool {
	val, ok := msg.JSON["ID"]
	if !ok {
		return false
	}
	switch v := val.(type) {
	case float64:
		return int(v) == n
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		return err == nil && parsed == n
	}
	return false
}

// reportFields lists, per report number, the fields of which at least one must
// be present for a reply to count as that report.
var reportFields = map[int][]string{
	1: {"Product", "Serial", "Firmware"},
	2: {"State", "Plug", "Max curr"},
	3: {"U1", "I1", "P"},
}

// reportNumber extracts N from a "report N" command, with ok=false for
// non-report commands.
func reportNumber(command string) (int, bool) {
	rest, found := strings.CutPrefix(command, "report ")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}

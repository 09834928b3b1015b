// Package slashes loads the list of invalid-bundle slashes to remediate.
//
// Two JSON shapes are accepted: a plain array of
// {"operatorId", "blockHeight"} records, and the indexer's event export
// {"events": [{"args": {"operatorId", "reason": {"__kind"}}, "block": {"height"}}]},
// from which only InvalidBundle slashes are kept.
package slashes

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/autonomys/gemini-3h-slash/internal/staking"
)

var (
	ErrEmpty   = errors.New("slashes: no slash records")
	ErrInvalid = errors.New("slashes: invalid slash record")
)

// ReasonInvalidBundle is the slash reason this tool compensates.
const ReasonInvalidBundle = "InvalidBundle"

//go:embed gemini3h.json
var gemini3h []byte

// Default returns the confirmed gemini-3h invalid-bundle slashes.
func Default() []staking.SlashRecord {
	records, err := Parse(gemini3h)
	if err != nil {
		panic("slashes: embedded list: " + err.Error())
	}
	return records
}

// Load reads a slash list from a file.
func Load(path string) ([]staking.SlashRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("slashes: read %s: %w", path, err)
	}
	return Parse(data)
}

// number accepts both JSON numbers and decimal strings, since indexers
// commonly render 64-bit integers as strings.
type number uint64

func (n *number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad number %s", ErrInvalid, data)
	}
	*n = number(v)
	return nil
}

type plainRecord struct {
	OperatorID  *number `json:"operatorId"`
	BlockHeight *number `json:"blockHeight"`
}

type indexerExport struct {
	Events []struct {
		Args struct {
			OperatorID *number `json:"operatorId"`
			Reason     struct {
				Kind string `json:"__kind"`
			} `json:"reason"`
		} `json:"args"`
		Block struct {
			Height *number `json:"height"`
		} `json:"block"`
	} `json:"events"`
}

// Parse decodes either list shape. Records keep their input order; exact
// duplicates are dropped.
func Parse(data []byte) ([]staking.SlashRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	var records []staking.SlashRecord
	switch data[0] {
	case '[':
		var plain []plainRecord
		if err := json.Unmarshal(data, &plain); err != nil {
			return nil, fmt.Errorf("slashes: decode list: %w", err)
		}
		for i, p := range plain {
			r, err := record(p.OperatorID, p.BlockHeight)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			records = append(records, r)
		}
	case '{':
		var export indexerExport
		if err := json.Unmarshal(data, &export); err != nil {
			return nil, fmt.Errorf("slashes: decode indexer export: %w", err)
		}
		for i, ev := range export.Events {
			if ev.Args.Reason.Kind != ReasonInvalidBundle {
				continue
			}
			r, err := record(ev.Args.OperatorID, ev.Block.Height)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			records = append(records, r)
		}
	default:
		return nil, fmt.Errorf("%w: expected a JSON array or object", ErrInvalid)
	}

	records = normalize(records)
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	return records, nil
}

func record(op, height *number) (staking.SlashRecord, error) {
	if op == nil || height == nil {
		return staking.SlashRecord{}, fmt.Errorf("%w: operator id and block height are required", ErrInvalid)
	}
	if *height == 0 || uint64(*height) > uint64(^uint32(0)) {
		return staking.SlashRecord{}, fmt.Errorf("%w: block height %d out of range", ErrInvalid, *height)
	}
	return staking.SlashRecord{
		OperatorID: staking.OperatorID(*op),
		SlashBlock: staking.BlockNumber(*height),
	}, nil
}

func normalize(records []staking.SlashRecord) []staking.SlashRecord {
	seen := make(map[staking.SlashRecord]bool, len(records))
	out := records[:0]
	for _, r := range records {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Filter keeps only the records of the given operators. An empty id set
// keeps everything.
func Filter(records []staking.SlashRecord, ids []staking.OperatorID) []staking.SlashRecord {
	if len(ids) == 0 {
		return records
	}
	keep := make(map[staking.OperatorID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := make([]staking.SlashRecord, 0, len(ids))
	for _, r := range records {
		if keep[r.OperatorID] {
			out = append(out, r)
		}
	}
	return out
}

// ParseOperatorIDs parses a comma-separated id list such as "41,65".
func ParseOperatorIDs(s string) ([]staking.OperatorID, error) {
	var ids []staking.OperatorID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("slashes: invalid operator id %q", part)
		}
		ids = append(ids, staking.OperatorID(v))
	}
	return ids, nil
}

// Duplicates reports operators that appear more than once in records.
// An operator slashed twice is remediated once per record.
func Duplicates(records []staking.SlashRecord) []staking.OperatorID {
	seen := make(map[staking.OperatorID]int, len(records))
	var dups []staking.OperatorID
	for _, r := range records {
		seen[r.OperatorID]++
		if seen[r.OperatorID] == 2 {
			dups = append(dups, r.OperatorID)
		}
	}
	return dups
}

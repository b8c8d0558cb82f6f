package ethrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Uint64FromResult coerces a raw JSON-RPC result into a uint64. Depending on
// client era the same quantity may arrive as a 0x-prefixed hex string, a
// decimal string, or a native JSON number. null and absent results coerce
// to zero; anything else is an error.
func Uint64FromResult(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("malformed numeric result %q: %w", raw, err)
	}
	switch t := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		n, err := strconv.ParseUint(t.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("numeric result out of range: %q", t.String())
		}
		return n, nil
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if s == "" {
			return 0, nil
		}
		if strings.HasPrefix(s, "0x") {
			n, err := hexutil.DecodeUint64(s)
			if err == nil {
				return n, nil
			}
			// Some pre-1.0 clients zero-pad hex quantities, which strict
			// hexutil rejects.
			n, perr := strconv.ParseUint(s[2:], 16, 64)
			if perr != nil {
				return 0, fmt.Errorf("bad hex quantity %q: %w", t, err)
			}
			return n, nil
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad decimal quantity %q: %w", t, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric result type %T", v)
	}
}

// SyncStatus is the decoded shape of eth_syncing: either the "not syncing"
// sentinel (false/null) or an object carrying the sync cursors.
type SyncStatus struct {
	Syncing      bool
	CurrentBlock uint64
	HighestBlock uint64
}

// SyncStatusFromResult interprets an eth_syncing result. Absent results and
// the boolean false sentinel both mean "not syncing"; that is the normal state
// for clients predating the syncing API.
func SyncStatusFromResult(raw json.RawMessage) (SyncStatus, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("false")) {
		return SyncStatus{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return SyncStatus{}, fmt.Errorf("unexpected eth_syncing result %q: %w", trimmed, err)
	}
	cur, err := Uint64FromResult(fields["currentBlock"])
	if err != nil {
		return SyncStatus{}, fmt.Errorf("eth_syncing currentBlock: %w", err)
	}
	hi, err := Uint64FromResult(fields["highestBlock"])
	if err != nil {
		return SyncStatus{}, fmt.Errorf("eth_syncing highestBlock: %w", err)
	}
	return SyncStatus{Syncing: true, CurrentBlock: cur, HighestBlock: hi}, nil
}

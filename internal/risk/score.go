// Package risk computes the deterministic risk score for a flow record.
package risk

import "github.com/flowlens/gateway/internal/core"

// Ports whose appearance as a destination raises the score: telnet, SMB,
// MSSQL, RDP.
var riskyPorts = map[int]struct{}{
	23:   {},
	445:  {},
	1433: {},
	3389: {},
}

// Score rates a record from 0 to 100. The rubric is fixed: base 10, +60 for
// any threat-intel match, +10 for a risky destination port, +10 for an
// ephemeral source port moving more than 1 MB. Pure function, no state.
func Score(rec core.Record, tiMatches []string) int {
	score := 10
	if len(tiMatches) > 0 {
		score += 60
	}
	if _, ok := riskyPorts[rec.DstPort]; ok {
		score += 10
	}
	if rec.SrcPort >= 1024 && rec.Bytes > 1_000_000 {
		score += 10
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

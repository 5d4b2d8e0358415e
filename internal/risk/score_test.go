package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowlens/gateway/internal/core"
)

func TestScoreRubric(t *testing.T) {
	tests := []struct {
		name    string
		rec     core.Record
		matches []string
		want    int
	}{
		{
			name: "clean record scores base",
			rec:  core.Record{SrcPort: 80, DstPort: 8080, Bytes: 500},
			want: 10,
		},
		{
			name:    "ti match adds 60",
			rec:     core.Record{SrcPort: 80, DstPort: 8080},
			matches: []string{"203.0.113.0/24"},
			want:    70,
		},
		{
			name: "risky destination port adds 10",
			rec:  core.Record{SrcPort: 80, DstPort: 3389},
			want: 20,
		},
		{
			name: "ephemeral source with high bytes adds 10",
			rec:  core.Record{SrcPort: 51514, DstPort: 8080, Bytes: 2_000_000},
			want: 20,
		},
		{
			name: "high bytes alone does not trigger",
			rec:  core.Record{SrcPort: 80, DstPort: 8080, Bytes: 2_000_000},
			want: 10,
		},
		{
			name:    "all rules stack to 90",
			rec:     core.Record{SrcPort: 51514, DstPort: 445, Bytes: 2_000_000, Protocol: core.ProtoTCP},
			matches: []string{"45.149.3.0/24"},
			want:    90,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.rec, tt.matches))
		})
	}
}

func TestScoreDependsOnlyOnInputs(t *testing.T) {
	rec := core.Record{SrcPort: 51514, DstPort: 445, Bytes: 2_000_000}
	first := Score(rec, []string{"45.149.3.0/24"})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(rec, []string{"45.149.3.0/24"}))
	}
}

func TestScoreBounds(t *testing.T) {
	for dst := 0; dst < 65536; dst += 1021 {
		s := Score(core.Record{SrcPort: 65000, DstPort: dst, Bytes: 1 << 40}, []string{"x"})
		assert.GreaterOrEqual(t, s, 0)
		assert.LessOrEqual(t, s, 100)
	}
}

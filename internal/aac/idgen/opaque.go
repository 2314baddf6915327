package idgen

import "github.com/google/uuid"

// NewOpaqueID returns a prefixed, non-deterministic id of the form
// "<prefix>_<24 hex chars>", matching the run/stage-result/prompt/asset/
// score/export id convention.
func NewOpaqueID(prefix string) string {
	return prefix + "_" + uuidHex24()
}

func uuidHex24() string {
	raw := uuid.New()
	hex := raw.String()
	out := make([]byte, 0, 24)
	for _, r := range hex {
		if r == '-' {
			continue
		}
		out = append(out, byte(r))
		if len(out) == 24 {
			break
		}
	}
	return string(out)
}

const (
	PrefixRun         = "run"
	PrefixStageResult = "stg"
	PrefixPrompt      = "prm"
	PrefixAsset       = "ast"
	PrefixScore       = "scr"
	PrefixExport      = "exp"
)

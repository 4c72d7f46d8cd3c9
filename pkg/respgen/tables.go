package respgen

// Fixed id-to-name tables for the `<expr_id>_<action_id>` markers an LLM
// response may embed (spec.md §4.7). These are compiled-in, not loaded
// from a file, matching the teacher's preference for small fixed tables
// over a config-driven registry (see pkg/orchestrator's Voice/Language
// const blocks for the same style).
var expressionNames = map[string]string{
	"0": "neutral",
	"1": "happy",
	"2": "sad",
	"3": "surprised",
	"4": "thinking",
	"5": "concerned",
}

var actionNames = map[string]string{
	"0": "none",
	"1": "nod",
	"2": "shake_head",
	"3": "lean_forward",
	"4": "wave",
}

// resolveMarker maps an expr_id/action_id pair to their display names.
// Unknown ids resolve to empty strings rather than an error — an
// unrecognized marker should degrade to "no reaction", not fail the turn.
func resolveMarker(exprID, actionID string) (expression, action string) {
	return expressionNames[exprID], actionNames[actionID]
}

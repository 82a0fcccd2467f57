package oracle

import (
	"fmt"
	"strings"
)

// SystemPrompt instructs the model on the reply format.
const SystemPrompt = `You are an autonomous maintenance engineer. You receive a production error
and the source code around its stack frames, and you propose the smallest
change that fixes the root cause.

Reply with a single JSON object and nothing else. To propose fixes:

{
  "patch_sets": [
    {
      "confidence": 0.0-1.0,
      "explanation": "what was wrong and how the change fixes it",
      "edits": [
        {
          "filepath": "repository-relative path shown in the code section",
          "search": "code copied EXACTLY from the file, with enough lines to be unique",
          "replace": "the code that replaces it",
          "rationale": "why this edit is needed"
        }
      ]
    }
  ]
}

Each patch set is an independent alternative; every edit in a set must apply
for the set to be used. Order does not matter, confidence does.

If the error cannot be fixed in code shown to you, or the fix needs
information you do not have, reply:

{"no_fix": true, "reason": "why no safe fix exists"}

Rules:
- Never delete functionality to silence an error.
- Never add credentials, tokens or keys.
- Keep the file's existing style and indentation.
- Only touch files that appear in the code section.`

// UserPrompt renders the request as the user message.
func UserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Pack.Prompt())

	if len(req.PriorFailures) > 0 {
		b.WriteString("\n## Previous attempts\n")
		b.WriteString("Earlier fixes for this issue were rejected. Do not repeat them.\n")
		for i, reason := range req.PriorFailures {
			fmt.Fprintf(&b, "%d. %s\n", i+1, reason)
		}
	}
	return b.String()
}

package relay

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relayops/claude-relay/internal/credentials"
)

const (
	anthropicVersion = "2023-06-01"
	oauthBetas       = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

	// claudeCodeSystemPrompt must be the first system entry on requests
	// authenticated with an OAuth token or the provider rejects them.
	claudeCodeSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."
)

// prepareBody adjusts the request payload for the credential type.
// OAuth requests get the required system prompt injected as the first
// system entry; client-supplied system content is preserved after it.
func prepareBody(creds *credentials.Credentials, body []byte) ([]byte, error) {
	if creds.Type != credentials.TypeOAuth {
		return body, nil
	}

	system := gjson.GetBytes(body, "system")
	promptEntry := map[string]any{"type": "text", "text": claudeCodeSystemPrompt}

	switch {
	case !system.Exists():
		updated, errSet := sjson.SetBytes(body, "system", []any{promptEntry})
		if errSet != nil {
			return nil, fmt.Errorf("relay: inject system prompt: %w", errSet)
		}
		return updated, nil
	case system.Type == gjson.String:
		entries := []any{promptEntry}
		if text := strings.TrimSpace(system.String()); text != "" && text != claudeCodeSystemPrompt {
			entries = append(entries, map[string]any{"type": "text", "text": system.String()})
		}
		updated, errSet := sjson.SetBytes(body, "system", entries)
		if errSet != nil {
			return nil, fmt.Errorf("relay: inject system prompt: %w", errSet)
		}
		return updated, nil
	case system.IsArray():
		first := gjson.GetBytes(body, "system.0.text")
		if first.String() == claudeCodeSystemPrompt {
			return body, nil
		}
		entries := []any{promptEntry}
		for _, item := range system.Array() {
			entries = append(entries, item.Value())
		}
		updated, errSet := sjson.SetBytes(body, "system", entries)
		if errSet != nil {
			return nil, fmt.Errorf("relay: inject system prompt: %w", errSet)
		}
		return updated, nil
	default:
		return body, nil
	}
}

// modelFromBody extracts the requested model name.
func modelFromBody(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// streamRequested reports whether the payload asks for SSE.
func streamRequested(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

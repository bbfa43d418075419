package hookbridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ForwardTimeout bounds one hook round trip.
const ForwardTimeout = 20 * time.Second

// Forward posts a hook payload read from in to the bridge and copies the
// reply to out. On error the caller answers with UnavailableReply.
func Forward(ctx context.Context, client *http.Client, url, token, event string, in io.Reader, out io.Writer) error {
	if client == nil {
		client = &http.Client{Timeout: ForwardTimeout}
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read hook payload: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/hooks/"+event, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post hook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hook bridge returned %s", resp.Status)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("copy hook reply: %w", err)
	}
	return nil
}

// UnavailableReply is the answer to give the agent when the bridge cannot
// be reached. Pre-action hooks deny, since the guardrails were not
// consulted; every other event gets no reply and proceeds.
func UnavailableReply(event string, err error) *Reply {
	if event != "PreToolUse" {
		return nil
	}
	return &Reply{HookSpecificOutput: &SpecificOutput{
		HookEventName:            event,
		PermissionDecision:       "deny",
		PermissionDecisionReason: fmt.Sprintf("[PIPELINE GUARDRAIL] Guardrails unavailable (%v). Retry the action.", err),
	}}
}

// Package a2a implements the coordinator's outbound agent-to-agent
// transport (C3): the JSON-RPC tasks/send envelope, the legacy raw-POST
// fallback, and the ordered card-discovery probe sequence. Built fresh in
// the teacher's HTTP-client idiom (ai/client.go's literal http.Client-and-
// json.Marshal style) since gomind has no A2A protocol of its own.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jobop/agentcoord/internal/domain"
)

// discoveryProbes is the fixed, ordered set of card endpoints tried
// against one base endpoint (§4.3). Index 0-1 classify as a2a, index 2
// as legacy, index 3 as unknown (liveness only).
var discoveryProbes = []struct {
	path     string
	protocol domain.AgentProtocol
}{
	{"/a2a/agent.json", domain.ProtocolA2A},
	{"/.well-known/agent.json", domain.ProtocolA2A},
	{"/capabilities", domain.ProtocolLegacy},
	{"/health", domain.ProtocolUnknown},
}

// Transport issues discovery probes and dispatches plan-step calls to
// remote agents.
type Transport struct {
	httpClient *http.Client
}

// New builds a Transport that issues every call through httpClient; the
// client's own Timeout is what bounds each call.
func New(httpClient *http.Client) *Transport {
	return &Transport{httpClient: httpClient}
}

// Probe runs the ordered discovery sequence against one endpoint and
// returns the resulting AgentEntry, or an error if every probe failed
// (connection refused, non-2xx, or non-JSON body).
func (t *Transport) Probe(ctx context.Context, endpoint string) (*domain.AgentEntry, error) {
	var lastErr error
	for _, probe := range discoveryProbes {
		card, err := t.getJSON(ctx, endpoint+probe.path)
		if err != nil {
			lastErr = err
			continue
		}
		return cardToEntry(endpoint, probe.path, probe.protocol, card), nil
	}
	return nil, fmt.Errorf("all discovery probes failed for %s: %w", endpoint, lastErr)
}

func (t *Transport) getJSON(ctx context.Context, url string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%s: not a JSON object: %w", url, err)
	}
	return data, nil
}

func cardToEntry(endpoint, discoveryPath string, protocol domain.AgentProtocol, card map[string]interface{}) *domain.AgentEntry {
	name := firstStringField(card, "name", "agent_name", "agent")
	agentID := strings.ReplaceAll(strings.ToLower(name), " ", "_")
	if agentID == "" {
		agentID = strings.ReplaceAll(strings.ToLower(endpoint), " ", "_")
	}

	var caps []domain.AgentCapability
	if protocol == domain.ProtocolA2A {
		if skills, ok := card["skills"].([]interface{}); ok {
			for _, s := range skills {
				if name, ok := s.(string); ok {
					caps = append(caps, domain.AgentCapability{Name: name})
				}
			}
		}
	}

	return &domain.AgentEntry{
		AgentID:         agentID,
		Name:            name,
		Endpoint:        endpoint,
		Protocol:        protocol,
		DiscoveryMethod: discoveryPath,
		Card:            card,
		Capabilities:    caps,
	}
}

func firstStringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// CallResult is the dispatch outcome of one agent invocation.
type CallResult struct {
	Result map[string]interface{}
}

// Call dispatches one plan step to a remote agent per its entry's
// protocol tag: a JSON-RPC tasks/send envelope for a2a, a raw POST for
// legacy.
// sessionID is the task's session id (§2.2), minted once per Task and
// reused across every agent_call step of that task so a remote agent can
// correlate multiple calls as belonging to the same task.
func (t *Transport) Call(ctx context.Context, entry *domain.AgentEntry, task string, context_ map[string]interface{}, sessionID string) (*CallResult, error) {
	switch entry.Protocol {
	case domain.ProtocolA2A:
		return t.callA2A(ctx, entry, task, context_, sessionID)
	case domain.ProtocolLegacy:
		return t.callLegacy(ctx, entry, task, context_)
	default:
		return nil, fmt.Errorf("agent %s has unsupported protocol %q for dispatch", entry.AgentID, entry.Protocol)
	}
}

type taskSendParams struct {
	ID                  string      `json:"id"`
	SessionID           string      `json:"sessionId"`
	Message             taskMessage `json:"message"`
	AcceptedOutputModes []string    `json:"acceptedOutputModes"`
}

type taskMessage struct {
	Role  string     `json:"role"`
	Parts []taskPart `json:"parts"`
}

type taskPart struct {
	Type string                 `json:"type"`
	Text string                 `json:"text,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

func (t *Transport) callA2A(ctx context.Context, entry *domain.AgentEntry, task string, context_ map[string]interface{}, sessionID string) (*CallResult, error) {
	envelope := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  "tasks/send",
		"params": taskSendParams{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Message: taskMessage{
				Role: "user",
				Parts: []taskPart{
					{Type: "text", Text: task},
					{Type: "data", Data: context_},
				},
			},
			AcceptedOutputModes: []string{"text", "application/json"},
		},
	}

	body, err := t.post(ctx, entry.Endpoint+"/tasks/send", envelope)
	if err != nil {
		return nil, err
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("a2a_invalid_response: %w", err)
	}
	result, ok := parsed["result"]
	if !ok {
		return nil, fmt.Errorf("a2a_invalid_response: missing result field")
	}
	resultMap, ok := result.(map[string]interface{})
	if !ok {
		resultMap = map[string]interface{}{"value": result}
	}
	return &CallResult{Result: resultMap}, nil
}

func (t *Transport) callLegacy(ctx context.Context, entry *domain.AgentEntry, task string, context_ map[string]interface{}) (*CallResult, error) {
	payload := map[string]interface{}{
		"task":    task,
		"context": context_,
	}
	body, err := t.post(ctx, entry.Endpoint+"/task", payload)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("legacy_invalid_response: %w", err)
	}
	return &CallResult{Result: result}, nil
}

func (t *Transport) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent call failed (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

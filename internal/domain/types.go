// Package domain holds the coordinator's shared data model: tasks, plans,
// step records, and the registry/tool entries the planner and executor
// read and write. Nothing here performs I/O; it is the vocabulary the rest
// of the tree speaks.
package domain

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskPlanning  TaskStatus = "planning"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Strategy is the high-level tag a Plan carries.
type Strategy string

const (
	StrategySingleAgent Strategy = "single_agent"
	StrategyMultiAgent  Strategy = "multi_agent"
	StrategyMCPTools    Strategy = "mcp_tools"
	StrategyHybrid      Strategy = "hybrid"
	StrategyFallback    Strategy = "fallback"
)

// Action is the dispatch kind of a PlanStep.
type Action string

const (
	ActionAgentCall   Action = "agent_call"
	ActionToolUse     Action = "tool_use"
	ActionCoordinate  Action = "coordination"
)

// PlanStep is one unit of plan execution, dispatched to exactly one target.
type PlanStep struct {
	StepNumber   int      `json:"step"`
	Action       Action   `json:"action"`
	Target       string   `json:"target"`
	Text         string   `json:"task"`
	Dependencies []int    `json:"dependencies"`
}

// Plan is the LLM's structured response, normalized and validated by the
// plan compiler. Immutable once produced.
type Plan struct {
	Strategy             Strategy   `json:"execution_strategy"`
	Steps                []PlanStep `json:"execution_plan"`
	RequiredAgents       []string   `json:"required_agents"`
	RequiredTools        []string   `json:"required_tools"`
	ExpectedDeliverables []string   `json:"expected_deliverables"`
	Analysis             string     `json:"analysis"`
}

// StepRecord is produced by the executor per step. Never mutated after
// being appended to a Task.
type StepRecord struct {
	StepNumber int            `json:"step_number"`
	Action     Action         `json:"action"`
	Target     string         `json:"target"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Task tracks one submission end to end.
type Task struct {
	ID          string       `json:"task_id"`
	Description string       `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Status      TaskStatus   `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	Plan        *Plan        `json:"plan,omitempty"`
	Steps       []StepRecord `json:"steps"`
	SessionID   string       `json:"session_id"`
}

// AgentProtocol is how an AgentEntry is called.
type AgentProtocol string

const (
	ProtocolA2A     AgentProtocol = "a2a"
	ProtocolLegacy  AgentProtocol = "legacy"
	ProtocolUnknown AgentProtocol = "unknown"
)

// AgentCapability is a free-form capability name advertised by a remote agent.
type AgentCapability struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AgentEntry is one discovered remote agent. Replaced wholesale on refresh,
// never mutated in place.
type AgentEntry struct {
	AgentID         string                 `json:"agent_id"`
	Name            string                 `json:"name"`
	Endpoint        string                 `json:"endpoint"`
	Protocol        AgentProtocol          `json:"protocol"`
	DiscoveryMethod string                 `json:"discovery_method"`
	Card            map[string]any         `json:"card,omitempty"`
	Capabilities    []AgentCapability      `json:"capabilities"`
	LastSeen        time.Time              `json:"last_seen"`
}

// MCPServerState is the lifecycle state of an MCPServerEntry.
type MCPServerState string

const (
	MCPDeclared MCPServerState = "declared"
	MCPRunning  MCPServerState = "running"
	MCPListed   MCPServerState = "listed"
	MCPFailed   MCPServerState = "failed"
)

// ToolDescriptor is one tool advertised by an MCP server's tools/list.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// MCPServerEntry is the launch definition and runtime state of one MCP
// tool server. Mutated only by the MCP client.
type MCPServerEntry struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	State       MCPServerState    `json:"state"`
	Tools       []ToolDescriptor  `json:"tools,omitempty"`
}

// SystemContext is the ephemeral snapshot handed to the plan compiler.
type SystemContext struct {
	AvailableAgents    []AgentContextView `json:"available_agents"`
	AvailableMCPTools  []MCPToolView      `json:"available_mcp_tools"`
	AgentCount         int                `json:"agent_count"`
	MCPToolCount       int                `json:"mcp_tool_count"`
}

// AgentContextView is the slice of an AgentEntry the LLM needs to see.
type AgentContextView struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

// MCPToolView is the slice of a ToolDescriptor the LLM needs to see.
type MCPToolView struct {
	Server      string `json:"server"`
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
}

// EventType names one lifecycle event in the streaming protocol exposed
// to callers (§6). The exact ordering contract for a given task is
// described per-event at the emission site, not here.
type EventType string

const (
	EventTaskStarted          EventType = "task_started"
	EventLLMAnalysisStarted   EventType = "llm_analysis_started"
	EventLLMAnalysisProgress  EventType = "llm_analysis_progress"
	EventLLMAnalysisCompleted EventType = "llm_analysis_completed"
	EventLLMDecisionMade      EventType = "llm_decision_made"
	EventExecutionStarted     EventType = "execution_started"
	EventStepStarted          EventType = "step_started"
	EventAgentCallStarted     EventType = "agent_call_started"
	EventAgentCallCompleted   EventType = "agent_call_completed"
	EventMCPToolUsed          EventType = "mcp_tool_used"
	EventStepCompleted        EventType = "step_completed"
	EventExecutionCompleted   EventType = "execution_completed"
	EventTaskCompleted        EventType = "task_completed"
	EventFallbackStarted      EventType = "fallback_started"
	EventFallbackDecision     EventType = "fallback_decision"
	EventFallbackCompleted    EventType = "fallback_completed"
	EventFallbackError        EventType = "fallback_error"
	EventError                EventType = "error"
)

// Event is one entry in a task's streamed lifecycle. Data carries
// event-specific fields (step number, tool name, final result, etc.).
type Event struct {
	Type      EventType      `json:"event"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventSink receives lifecycle events as a task's plan is compiled and
// executed. Declared once here so the planner, executor, and task manager
// all satisfy/require the same named interface type — a method whose
// parameter type is a distinct (if structurally identical) named interface
// does not satisfy an interface requirement declared with this type.
type EventSink interface {
	Emit(Event)
}

// CircuitBreakerState is the read-only operator view of one collaborator's
// breaker (§3.1), named "agent:<id>" or "mcp:<server>", never consulted by
// the planner itself.
type CircuitBreakerState struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	LastFailureTime string `json:"last_failure_time,omitempty"`
}

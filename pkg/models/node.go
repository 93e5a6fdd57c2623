package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NodeType is the type tag selecting one node variant.
type NodeType string

const (
	NodeTypeStart              NodeType = "start"
	NodeTypeMessage            NodeType = "message"
	NodeTypeQuestion           NodeType = "question"
	NodeTypeCondition          NodeType = "condition"
	NodeTypeAction             NodeType = "action"
	NodeTypeAPICall            NodeType = "api_call"
	NodeTypeAIPrompt           NodeType = "ai_prompt"
	NodeTypeDatabaseQuery      NodeType = "database_query"
	NodeTypeScript             NodeType = "script"
	NodeTypeSetVariable        NodeType = "set_variable"
	NodeTypeJump               NodeType = "jump"
	NodeTypeHandoff            NodeType = "handoff"
	NodeTypeDelay              NodeType = "delay"
	NodeTypeEnd                NodeType = "end"
	NodeTypeInteractiveButtons NodeType = "interactive_buttons"
	NodeTypeInteractiveList    NodeType = "interactive_list"
	NodeTypeWhatsAppTemplate   NodeType = "whatsapp_template"
)

// NodeTypes lists every node variant.
var NodeTypes = []NodeType{
	NodeTypeStart, NodeTypeMessage, NodeTypeQuestion, NodeTypeCondition, NodeTypeAction,
	NodeTypeAPICall, NodeTypeAIPrompt, NodeTypeDatabaseQuery, NodeTypeScript,
	NodeTypeSetVariable, NodeTypeJump, NodeTypeHandoff, NodeTypeDelay, NodeTypeEnd,
	NodeTypeInteractiveButtons, NodeTypeInteractiveList, NodeTypeWhatsAppTemplate,
}

var ErrUnknownNodeType = errors.New("unknown node type")

// NodeConfig is the type-specific configuration payload of a node. The set of
// implementations is closed: one struct per NodeType, all in this package.
type NodeConfig interface {
	NodeType() NodeType
	isNodeConfig()
}

// OutputProducer is implemented by configs that write an output variable.
type OutputProducer interface {
	Output() string
}

// Templated is implemented by configs carrying text rendered against the variable bag.
type Templated interface {
	Templates() []string
}

// Bounded is implemented by configs whose adapter call has a per-node timeout.
type Bounded interface {
	Timeout() time.Duration
}

// Node is a graph vertex.
type Node struct {
	ID     string     `json:"id"   validate:"required"`
	Type   NodeType   `json:"type" validate:"required"`
	Name   string     `json:"name,omitempty"`
	Config NodeConfig `json:"config"`
}

type nodeWire struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// NewNode builds a node whose Type is taken from its config.
func NewNode(id string, config NodeConfig) Node {
	return Node{ID: id, Type: config.NodeType(), Config: config}
}

// OutputVariable returns the variable written by the node, if any.
func (n Node) OutputVariable() string {
	if producer, ok := n.Config.(OutputProducer); ok {
		return producer.Output()
	}

	return ""
}

// UnmarshalJSON decodes the config payload into the struct matching the type tag.
func (n *Node) UnmarshalJSON(data []byte) error {
	var wire nodeWire

	err := json.Unmarshal(data, &wire)
	if err != nil {
		return err
	}

	config, err := NewNodeConfig(wire.Type)
	if err != nil {
		return fmt.Errorf("node %s: %w", wire.ID, err)
	}

	if len(wire.Config) > 0 && string(wire.Config) != "null" {
		err = json.Unmarshal(wire.Config, config)
		if err != nil {
			return fmt.Errorf("node %s: invalid %s config: %w", wire.ID, wire.Type, err)
		}
	}

	n.ID = wire.ID
	n.Type = wire.Type
	n.Name = wire.Name
	n.Config = config

	return nil
}

// NewNodeConfig returns an empty config for the given node type.
func NewNodeConfig(nodeType NodeType) (NodeConfig, error) {
	switch nodeType {
	case NodeTypeStart:
		return &StartConfig{}, nil
	case NodeTypeMessage:
		return &MessageConfig{}, nil
	case NodeTypeQuestion:
		return &QuestionConfig{}, nil
	case NodeTypeCondition:
		return &ConditionConfig{}, nil
	case NodeTypeAction:
		return &ActionConfig{}, nil
	case NodeTypeAPICall:
		return &APICallConfig{}, nil
	case NodeTypeAIPrompt:
		return &AIPromptConfig{}, nil
	case NodeTypeDatabaseQuery:
		return &DatabaseQueryConfig{}, nil
	case NodeTypeScript:
		return &ScriptConfig{}, nil
	case NodeTypeSetVariable:
		return &SetVariableConfig{}, nil
	case NodeTypeJump:
		return &JumpConfig{}, nil
	case NodeTypeHandoff:
		return &HandoffConfig{}, nil
	case NodeTypeDelay:
		return &DelayConfig{}, nil
	case NodeTypeEnd:
		return &EndConfig{}, nil
	case NodeTypeInteractiveButtons:
		return &InteractiveButtonsConfig{}, nil
	case NodeTypeInteractiveList:
		return &InteractiveListConfig{}, nil
	case NodeTypeWhatsAppTemplate:
		return &WhatsAppTemplateConfig{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
}

func timeoutOf(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}

	return time.Duration(ms) * time.Millisecond
}

type StartConfig struct{}

func (*StartConfig) NodeType() NodeType { return NodeTypeStart }
func (*StartConfig) isNodeConfig()      {}

type EndConfig struct{}

func (*EndConfig) NodeType() NodeType { return NodeTypeEnd }
func (*EndConfig) isNodeConfig()      {}

// MessageConfig sends rendered text. AutoAdvance defaults to true.
type MessageConfig struct {
	Text        string `json:"text"`
	AutoAdvance *bool  `json:"auto_advance,omitempty"`
}

func (*MessageConfig) NodeType() NodeType { return NodeTypeMessage }
func (*MessageConfig) isNodeConfig()      {}

func (c *MessageConfig) Templates() []string { return []string{c.Text} }

// Advances reports whether the node continues without waiting for a reply.
func (c *MessageConfig) Advances() bool {
	return c.AutoAdvance == nil || *c.AutoAdvance
}

type QuestionConfig struct {
	Prompt         string `json:"prompt"`
	OutputVariable string `json:"output_variable"`
}

func (*QuestionConfig) NodeType() NodeType { return NodeTypeQuestion }
func (*QuestionConfig) isNodeConfig()      {}

func (c *QuestionConfig) Output() string      { return c.OutputVariable }
func (c *QuestionConfig) Templates() []string { return []string{c.Prompt} }

// Condition operators.
const (
	OperatorEquals     = "=="
	OperatorNotEquals  = "!="
	OperatorContains   = "contains"
	OperatorIsEmpty    = "is_empty"
	OperatorIsNotEmpty = "is_not_empty"
	OperatorExpression = "expression"
)

// ConditionClause is one branch test. Expression is only used by the
// "expression" operator.
type ConditionClause struct {
	Variable   string `json:"variable,omitempty"`
	Operator   string `json:"operator"`
	Value      any    `json:"value,omitempty"`
	Label      string `json:"label"`
	Expression string `json:"expression,omitempty"`
}

type ConditionConfig struct {
	Clauses      []ConditionClause `json:"clauses"`
	DefaultLabel string            `json:"default_label,omitempty"`
}

func (*ConditionConfig) NodeType() NodeType { return NodeTypeCondition }
func (*ConditionConfig) isNodeConfig()      {}

// ActionConfig is a generic side-effect placeholder handled by the surrounding platform.
type ActionConfig struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func (*ActionConfig) NodeType() NodeType { return NodeTypeAction }
func (*ActionConfig) isNodeConfig()      {}

type APICallConfig struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	OutputVariable string            `json:"output_variable,omitempty"`
	ResponsePath   string            `json:"response_path,omitempty"`
	TimeoutMs      int               `json:"timeout_ms,omitempty"`
}

func (*APICallConfig) NodeType() NodeType { return NodeTypeAPICall }
func (*APICallConfig) isNodeConfig()      {}

func (c *APICallConfig) Output() string         { return c.OutputVariable }
func (c *APICallConfig) Timeout() time.Duration { return timeoutOf(c.TimeoutMs) }

func (c *APICallConfig) Templates() []string {
	texts := []string{c.URL, c.Body}
	for _, value := range c.Headers {
		texts = append(texts, value)
	}

	return texts
}

type AIPromptConfig struct {
	Prompt         string   `json:"prompt"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	OutputVariable string   `json:"output_variable,omitempty"`
	TimeoutMs      int      `json:"timeout_ms,omitempty"`
}

func (*AIPromptConfig) NodeType() NodeType { return NodeTypeAIPrompt }
func (*AIPromptConfig) isNodeConfig()      {}

func (c *AIPromptConfig) Output() string         { return c.OutputVariable }
func (c *AIPromptConfig) Timeout() time.Duration { return timeoutOf(c.TimeoutMs) }
func (c *AIPromptConfig) Templates() []string    { return []string{c.Prompt, c.SystemPrompt} }

// DatabaseQueryConfig runs a parameterised statement. Params are templates
// rendered in order into $1..$n.
type DatabaseQueryConfig struct {
	Connection     string   `json:"connection"`
	Query          string   `json:"query"`
	Params         []string `json:"params,omitempty"`
	OutputVariable string   `json:"output_variable,omitempty"`
	TimeoutMs      int      `json:"timeout_ms,omitempty"`
}

func (*DatabaseQueryConfig) NodeType() NodeType { return NodeTypeDatabaseQuery }
func (*DatabaseQueryConfig) isNodeConfig()      {}

func (c *DatabaseQueryConfig) Output() string         { return c.OutputVariable }
func (c *DatabaseQueryConfig) Timeout() time.Duration { return timeoutOf(c.TimeoutMs) }
func (c *DatabaseQueryConfig) Templates() []string    { return c.Params }

type ScriptConfig struct {
	Language       string   `json:"language"`
	Source         string   `json:"source"`
	Packages       []string `json:"packages,omitempty"`
	OutputVariable string   `json:"output_variable,omitempty"`
	TimeoutMs      int      `json:"timeout_ms,omitempty"`
}

func (*ScriptConfig) NodeType() NodeType { return NodeTypeScript }
func (*ScriptConfig) isNodeConfig()      {}

func (c *ScriptConfig) Output() string         { return c.OutputVariable }
func (c *ScriptConfig) Timeout() time.Duration { return timeoutOf(c.TimeoutMs) }

// Set-variable operations.
const (
	OperationSet       = "set"
	OperationAppend    = "append"
	OperationIncrement = "increment"
	OperationDecrement = "decrement"
)

type SetVariableConfig struct {
	Variable  string `json:"variable"`
	Operation string `json:"operation"`
	Value     any    `json:"value,omitempty"`
}

func (*SetVariableConfig) NodeType() NodeType { return NodeTypeSetVariable }
func (*SetVariableConfig) isNodeConfig()      {}

func (c *SetVariableConfig) Output() string { return c.Variable }

func (c *SetVariableConfig) Templates() []string {
	if text, ok := c.Value.(string); ok {
		return []string{text}
	}

	return nil
}

// JumpConfig targets either a node of the same flow or another flow.
type JumpConfig struct {
	TargetNodeID    string `json:"target_node_id,omitempty"`
	TargetFlowID    string `json:"target_flow_id,omitempty"`
	PreserveContext bool   `json:"preserve_context,omitempty"`
}

func (*JumpConfig) NodeType() NodeType { return NodeTypeJump }
func (*JumpConfig) isNodeConfig()      {}

// Handoff target kinds.
const (
	HandoffQueue      = "queue"
	HandoffDepartment = "department"
	HandoffAgent      = "agent"
)

type HandoffConfig struct {
	Target   string `json:"target"`
	TargetID string `json:"target_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (*HandoffConfig) NodeType() NodeType { return NodeTypeHandoff }
func (*HandoffConfig) isNodeConfig()      {}

func (c *HandoffConfig) Templates() []string { return []string{c.Message} }

type DelayConfig struct {
	DurationMs int `json:"duration_ms,omitempty"`
	Seconds    int `json:"seconds,omitempty"`
	Minutes    int `json:"minutes,omitempty"`
}

func (*DelayConfig) NodeType() NodeType { return NodeTypeDelay }
func (*DelayConfig) isNodeConfig()      {}

// Duration sums all configured units.
func (c *DelayConfig) Duration() time.Duration {
	return time.Duration(c.DurationMs)*time.Millisecond +
		time.Duration(c.Seconds)*time.Second +
		time.Duration(c.Minutes)*time.Minute
}

type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type InteractiveButtonsConfig struct {
	Body           string   `json:"body"`
	Buttons        []Button `json:"buttons"`
	OutputVariable string   `json:"output_variable,omitempty"`
}

func (*InteractiveButtonsConfig) NodeType() NodeType { return NodeTypeInteractiveButtons }
func (*InteractiveButtonsConfig) isNodeConfig()      {}

func (c *InteractiveButtonsConfig) Output() string      { return c.OutputVariable }
func (c *InteractiveButtonsConfig) Templates() []string { return []string{c.Body} }

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

type InteractiveListConfig struct {
	Body           string        `json:"body"`
	ButtonText     string        `json:"button_text,omitempty"`
	Sections       []ListSection `json:"sections"`
	OutputVariable string        `json:"output_variable,omitempty"`
}

func (*InteractiveListConfig) NodeType() NodeType { return NodeTypeInteractiveList }
func (*InteractiveListConfig) isNodeConfig()      {}

func (c *InteractiveListConfig) Output() string      { return c.OutputVariable }
func (c *InteractiveListConfig) Templates() []string { return []string{c.Body} }

type WhatsAppTemplateConfig struct {
	TemplateName   string   `json:"template_name"`
	Language       string   `json:"language,omitempty"`
	Parameters     []string `json:"parameters,omitempty"`
	OutputVariable string   `json:"output_variable,omitempty"`
}

func (*WhatsAppTemplateConfig) NodeType() NodeType { return NodeTypeWhatsAppTemplate }
func (*WhatsAppTemplateConfig) isNodeConfig()      {}

func (c *WhatsAppTemplateConfig) Output() string      { return c.OutputVariable }
func (c *WhatsAppTemplateConfig) Templates() []string { return c.Parameters }

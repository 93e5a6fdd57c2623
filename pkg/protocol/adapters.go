// Package protocol defines the capability interfaces the flow engine calls but
// does not implement: message delivery, AI completion, HTTP calls, database
// queries, sandboxed scripts and human handoff.
package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

// ErrUnsupportedLanguage is returned by script runners for languages they cannot run.
var ErrUnsupportedLanguage = errors.New("unsupported script language")

// PayloadKind selects which part of a Payload is set.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadButtons  PayloadKind = "buttons"
	PayloadList     PayloadKind = "list"
	PayloadTemplate PayloadKind = "template"
)

// TemplateReference names a pre-approved channel template and its rendered parameters.
type TemplateReference struct {
	Name       string   `json:"name"`
	Language   string   `json:"language,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
}

// Payload is one rendered outbound message. Kind selects the populated fields;
// the channel adapter owns the wire encoding.
type Payload struct {
	Kind       PayloadKind          `json:"kind"`
	Text       string               `json:"text,omitempty"`
	Buttons    []models.Button      `json:"buttons,omitempty"`
	ButtonText string               `json:"button_text,omitempty"`
	Sections   []models.ListSection `json:"sections,omitempty"`
	Template   *TemplateReference   `json:"template,omitempty"`
}

// MessageSender delivers rendered payloads to a conversation.
type MessageSender interface {
	Send(ctx context.Context, conversationID string, payload Payload) (deliveryID string, err error)
}

// AIRequest is one completion call. Variables is a read-only snapshot of the bag.
type AIRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Temperature  *float64
	MaxTokens    int
	Variables    models.Variables
}

// AICompleter produces text for a prompt.
type AICompleter interface {
	Complete(ctx context.Context, request AIRequest) (string, error)
}

// HTTPRequest is a rendered outbound API call.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// HTTPResponse carries the decoded response. Body holds the parsed JSON value
// when the response is JSON and the raw text otherwise.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body"`
	Raw        []byte            `json:"-"`
}

// HTTPInvoker performs API calls. Non-2xx responses are errors.
type HTTPInvoker interface {
	Invoke(ctx context.Context, request HTTPRequest) (*HTTPResponse, error)
}

// DatabaseQuerier runs a parameterised statement against a named connection.
type DatabaseQuerier interface {
	Query(ctx context.Context, connection, statement string, params []any) ([]map[string]any, error)
}

// ScriptRunner executes untrusted source in an isolated runtime. snapshot
// never contains callable values.
type ScriptRunner interface {
	Run(ctx context.Context, language, source string, snapshot models.Variables) (any, error)
}

// HandoffTarget describes where a conversation is transferred.
type HandoffTarget struct {
	Kind    string `json:"kind"` // queue, department or agent
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// HandoffRouter transfers a conversation to humans.
type HandoffRouter interface {
	Route(ctx context.Context, conversationID string, target HandoffTarget) error
}

// Adapters groups every capability the engine may call. Nil members make the
// matching node types fail as adapter errors.
type Adapters struct {
	Messages MessageSender
	AI       AICompleter
	HTTP     HTTPInvoker
	Database DatabaseQuerier
	Scripts  ScriptRunner
	Handoff  HandoffRouter
}

// Package llm talks to an OpenAI-compatible model server for chat completions
// and text embeddings.
package llm

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/antoniostano/memoryd/internal/memory"
)

// TaskType selects the model and sampling temperature for a completion.
type TaskType string

const (
	TaskChat     TaskType = "chat"
	TaskCreative TaskType = "creative"
	TaskUtility  TaskType = "utility"
)

var ErrNoModel = errors.New("no model configured for task type")

// TaskParams is the model/temperature pair used for one task type.
type TaskParams struct {
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

// DefaultTemperatures mirrors the tuning the service has always shipped with.
var DefaultTemperatures = map[TaskType]float32{
	TaskChat:     0.7,
	TaskCreative: 1.1,
	TaskUtility:  0.5,
}

type Completer interface {
	Complete(ctx context.Context, messages []memory.Message, task TaskType) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ParseTaskType maps unknown or empty values to chat.
func ParseTaskType(v string) TaskType {
	switch TaskType(strings.ToLower(strings.TrimSpace(v))) {
	case TaskCreative:
		return TaskCreative
	case TaskUtility:
		return TaskUtility
	default:
		return TaskChat
	}
}

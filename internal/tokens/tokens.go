// Package tokens counts tokens the way the downstream model would, so prompt
// assembly can stay inside a budget.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is compatible with the OpenAI-style chat models served locally.
const DefaultEncoding = "cl100k_base"

// perMessageOverhead approximates the role/separator framing a chat template adds.
const perMessageOverhead = 4

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter estimates the token length of a string.
type Counter interface {
	Count(text string) int
}

// MessageCost is the cost of one chat message: a fixed framing overhead plus the
// tokens of its role and content.
func MessageCost(c Counter, role, content string) int {
	return perMessageOverhead + c.Count(role) + c.Count(content)
}

// Tiktoken counts with a BPE encoding loaded from the embedded offline tables.
type Tiktoken struct {
	name     string
	encoding *tiktoken.Tiktoken
}

var (
	encodingsMu sync.Mutex
	encodings   = map[string]*tiktoken.Tiktoken{}
)

// NewTiktoken loads (once per process) and returns the named encoding.
func NewTiktoken(name string) (*Tiktoken, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultEncoding
	}
	encodingsMu.Lock()
	defer encodingsMu.Unlock()
	if enc, ok := encodings[name]; ok {
		return &Tiktoken{name: name, encoding: enc}, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, errors.Wrapf(err, "load tiktoken encoding %q", name)
	}
	encodings[name] = enc
	return &Tiktoken{name: name, encoding: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

func (t *Tiktoken) Name() string { return t.name }

// Heuristic is a dependency-free fallback: roughly four characters per token.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

// New returns a tiktoken counter for the encoding, falling back to Heuristic when
// the encoding cannot be loaded. The load error is returned alongside the fallback.
func New(encoding string) (Counter, error) {
	tk, err := NewTiktoken(encoding)
	if err != nil {
		return Heuristic{}, err
	}
	return tk, nil
}

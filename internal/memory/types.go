package memory

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SummaryPrefix marks system turns that hold a compacted summary of older history.
const SummaryPrefix = "Memory Summary: "

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

var (
	// ErrStorageUnavailable is returned when no relational connection could be obtained.
	ErrStorageUnavailable = errors.New("relational storage unavailable")
	ErrInvalidRole        = errors.New("invalid role")
	ErrEmptyConversation  = errors.New("conversation id is required")
)

// ParseRole accepts the three known roles, case-insensitively.
func ParseRole(v string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleSystem:
		return RoleSystem, nil
	default:
		return "", errors.Wrapf(ErrInvalidRole, "%q", v)
	}
}

// Turn is one stored message of a conversation. ID is assigned by the store and is
// also the id of the vector record indexed for it.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsSummary reports whether the turn is a compacted summary.
func (t Turn) IsSummary() bool {
	return t.Role == RoleSystem && strings.HasPrefix(t.Content, SummaryPrefix)
}

// SummaryText returns the content without the summary prefix.
func (t Turn) SummaryText() string {
	return strings.TrimPrefix(t.Content, SummaryPrefix)
}

// Message returns the prompt-ready form of the turn.
func (t Turn) Message() Message {
	return Message{Role: t.Role, Content: t.Content}
}

// Message is a prompt-ready chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Store is the relational history of every conversation plus per-user rate-limit
// timestamps. It is the source of truth: every error is returned to the caller.
type Store interface {
	Append(ctx context.Context, conversationID string, role Role, content string) (Turn, error)
	AppendSummary(ctx context.Context, conversationID, summary string) (Turn, error)
	// Recent returns up to limit most recent turns in chronological order.
	Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	// OldestRaw returns up to limit oldest non-summary turns in chronological order.
	OldestRaw(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	// LatestSummaries returns summary texts (prefix stripped), newest first.
	LatestSummaries(ctx context.Context, conversationID string, limit int) ([]string, error)
	// LastIDs returns the ids of the n newest turns, newest first.
	LastIDs(ctx context.Context, conversationID string, n int) ([]int64, error)
	DeleteByIDs(ctx context.Context, ids []int64) error
	DeleteConversation(ctx context.Context, conversationID string) error
	RateTimestamp(ctx context.Context, userID string) (time.Time, error)
	SetRateTimestamp(ctx context.Context, userID string, ts time.Time) error
	Close() error
}

// unavailableError reports ErrStorageUnavailable while keeping the underlying
// cause reachable through errors.Is and errors.As.
type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrStorageUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Unwrap() error { return e.cause }

func (e *unavailableError) Is(target error) bool { return target == ErrStorageUnavailable }

// acquireError classifies a failed connection checkout. A checkout abandoned by
// the caller's own context is not a storage outage.
func acquireError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(err, "acquire connection")
	}
	return &unavailableError{cause: err}
}

func validateAppend(conversationID string, role Role) error {
	if strings.TrimSpace(conversationID) == "" {
		return ErrEmptyConversation
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	return nil
}

func reverseTurns(items []Turn) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// unixSeconds converts a rate-limit timestamp to its stored representation.
func unixSeconds(ts time.Time) float64 {
	return float64(ts.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

package composer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/services"
	"github.com/lumachat/backend/internal/types"
)

// TurnState tracks where a composer is within one conversational turn. The
// enum replaces the loose isLoading/error flag bundle so impossible
// combinations cannot be represented.
type TurnState int

const (
	StateIdle TurnState = iota
	StateSending
	StateStreaming
	StateCommitting
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCommitting:
		return "committing"
	}
	return fmt.Sprintf("turnstate(%d)", int(s))
}

// ErrTurnInProgress is returned when a submission overlaps a running turn.
// Turns within one composer are strictly sequential.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// Appender commits a finished question/answer pair to the backend. Satisfied
// by apiclient.Client.
type Appender interface {
	AppendToChat(ctx context.Context, chatID uuid.UUID, question, answer, img string) (*types.Chat, error)
}

// Composer drives conversational turns for one open chat view: it replays the
// persisted history into a fresh model session, streams the reply into an
// accumulator, and commits the finished turn through the append endpoint.
// One composer serves one chat; it is not safe for concurrent Run calls by
// design (overlapping turns are rejected, not queued).
type Composer struct {
	log      *logger.Logger
	client   services.GenAIClient
	appender Appender

	chatID  uuid.UUID
	history []types.Message

	mu           sync.Mutex
	state        TurnState
	lastErr      error
	bootstrapped bool
	answer       string
	attachment   *ImageAttachment

	// OnFragment observes the accumulated answer after every received
	// fragment. Optional; used by UIs for incremental rendering.
	OnFragment func(answer string)

	// OnCommitted fires after a successful append, when the caller should
	// invalidate any cached copy of the chat record.
	OnCommitted func(updated *types.Chat)
}

// New builds a composer for the given chat record.
func New(log *logger.Logger, client services.GenAIClient, appender Appender, chat *types.Chat) (*Composer, error) {
	if chat == nil {
		return nil, fmt.Errorf("chat is required")
	}
	history, err := chat.HistoryItems()
	if err != nil {
		return nil, err
	}
	return &Composer{
		log:      log.With("component", "Composer", "chatID", chat.ID),
		client:   client,
		appender: appender,
		chatID:   chat.ID,
		history:  history,
	}, nil
}

func (cp *Composer) State() TurnState {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.state
}

// Err returns the error left behind by the last failed turn, if any.
func (cp *Composer) Err() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.lastErr
}

// Answer returns the current accumulated answer for display.
func (cp *Composer) Answer() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.answer
}

// Attach holds image data captured by the upload flow for the next turn. The
// CDN file path is committed with the user item; the inline bytes go to the
// model only.
func (cp *Composer) Attach(att *ImageAttachment) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.attachment = att
}

// Bootstrap auto-runs the seed turn when the chat holds exactly the opening
// user message and nothing else. It fires at most once per composer instance.
func (cp *Composer) Bootstrap(ctx context.Context) error {
	cp.mu.Lock()
	if cp.bootstrapped {
		cp.mu.Unlock()
		return nil
	}
	cp.bootstrapped = true
	runSeed := len(cp.history) == 1 &&
		types.NormalizeRole(cp.history[0].Role) == types.RoleUser &&
		strings.TrimSpace(cp.history[0].FirstText()) != ""
	seed := ""
	if runSeed {
		seed = cp.history[0].FirstText()
	}
	cp.mu.Unlock()

	if !runSeed {
		return nil
	}
	return cp.run(ctx, seed, true)
}

// Run drives one user-submitted turn.
func (cp *Composer) Run(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty prompt")
	}
	return cp.run(ctx, text, false)
}

// run executes the turn state machine. When initial is set the prompt is the
// already-persisted seed message, so the commit carries only the answer.
func (cp *Composer) run(ctx context.Context, text string, initial bool) error {
	cp.mu.Lock()
	if cp.state != StateIdle {
		cp.mu.Unlock()
		return ErrTurnInProgress
	}
	cp.state = StateSending
	cp.lastErr = nil
	cp.answer = ""

	replay := cp.history
	if initial && len(replay) > 0 {
		// The seed message is about to be sent as the prompt; replaying it
		// too would double it in the model context.
		replay = replay[:len(replay)-1]
	}
	att := cp.attachment
	cp.mu.Unlock()

	session := cp.client.StartChat(replay)

	parts := []services.ContentPart{}
	if att != nil && att.Inline != nil {
		parts = append(parts, services.ContentPart{InlineData: att.Inline})
	}
	parts = append(parts, services.ContentPart{Text: text})

	stream, err := session.SendMessageStream(ctx, parts)
	if err != nil {
		return cp.fail(fmt.Errorf("send message: %w", err))
	}
	defer stream.Close()

	cp.setState(StateStreaming)

	var accumulated strings.Builder
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Nothing has been persisted yet, so a mid-stream failure never
			// leaves a partial answer behind.
			return cp.fail(fmt.Errorf("stream: %w", err))
		}
		accumulated.WriteString(fragment)
		cp.publishAnswer(accumulated.String())
	}

	cp.setState(StateCommitting)

	question := text
	if initial {
		question = ""
	}
	img := ""
	if att != nil {
		img = att.FilePath
	}
	updated, err := cp.appender.AppendToChat(ctx, cp.chatID, question, accumulated.String(), img)
	if err != nil {
		return cp.fail(fmt.Errorf("commit turn: %w", err))
	}

	cp.mu.Lock()
	if items, herr := updated.HistoryItems(); herr == nil {
		cp.history = items
	}
	cp.state = StateIdle
	cp.answer = ""
	cp.attachment = nil
	cp.mu.Unlock()

	if cp.OnCommitted != nil {
		cp.OnCommitted(updated)
	}
	return nil
}

func (cp *Composer) setState(state TurnState) {
	cp.mu.Lock()
	cp.state = state
	cp.mu.Unlock()
}

func (cp *Composer) publishAnswer(answer string) {
	cp.mu.Lock()
	cp.answer = answer
	cp.mu.Unlock()
	if cp.OnFragment != nil {
		cp.OnFragment(answer)
	}
}

// fail returns to Idle preserving the error for display. Pending state is
// kept so the user can resubmit.
func (cp *Composer) fail(err error) error {
	cp.log.Warn("Turn failed", "error", err)
	cp.mu.Lock()
	cp.state = StateIdle
	cp.lastErr = err
	cp.mu.Unlock()
	return err
}

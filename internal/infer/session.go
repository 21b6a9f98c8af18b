package infer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inferd/pkg/types"
)

// session is one chat transcript bound to a model. Messages are append-only;
// the per-session mutex keeps concurrent sends from interleaving turns.
type session struct {
	mu           sync.Mutex
	id           string
	model        string
	systemPrompt string
	messages     []types.ChatMessage
	createdAt    time.Time
	lastActivity time.Time
}

func (s *session) info() types.SessionInfo {
	msgs := make([]types.ChatMessage, len(s.messages))
	copy(msgs, s.messages)
	return types.SessionInfo{
		ID:           s.id,
		Model:        s.model,
		SystemPrompt: s.systemPrompt,
		Messages:     msgs,
		CreatedAt:    s.createdAt.Unix(),
		LastActivity: s.lastActivity.Unix(),
	}
}

// history renders the transcript as sent to the model: the system prompt
// first when present, then every turn in order.
func (s *session) history() []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(s.messages)+1)
	if s.systemPrompt != "" {
		out = append(out, types.ChatMessage{Role: types.RoleSystem, Content: s.systemPrompt})
	}
	return append(out, s.messages...)
}

// Sessions is the in-memory chat session store. Sessions do not survive a
// daemon restart.
type Sessions struct {
	mu   sync.Mutex
	byID map[string]*session
	f    *Facade
}

// NewSessions builds a session store over a facade.
func NewSessions(f *Facade) *Sessions {
	return &Sessions{byID: make(map[string]*session), f: f}
}

// Create opens a session bound to a registered model.
func (s *Sessions) Create(model, systemPrompt string) (types.SessionInfo, error) {
	if _, ok := s.f.reg.Lookup(model); !ok {
		return types.SessionInfo{}, ErrModelNotFound(model)
	}
	now := time.Now()
	sess := &session{
		id:           uuid.NewString(),
		model:        model,
		systemPrompt: systemPrompt,
		createdAt:    now,
		lastActivity: now,
	}
	s.mu.Lock()
	s.byID[sess.id] = sess
	s.mu.Unlock()
	return sess.info(), nil
}

func (s *Sessions) get(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byID[id]
	if sess == nil {
		return nil, ErrSessionNotFound(id)
	}
	return sess, nil
}

// Get returns a snapshot of one session.
func (s *Sessions) Get(id string) (types.SessionInfo, error) {
	sess, err := s.get(id)
	if err != nil {
		return types.SessionInfo{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.info(), nil
}

// List returns all sessions, newest activity first.
func (s *Sessions) List() []types.SessionInfo {
	s.mu.Lock()
	all := make([]*session, 0, len(s.byID))
	for _, sess := range s.byID {
		all = append(all, sess)
	}
	s.mu.Unlock()

	out := make([]types.SessionInfo, 0, len(all))
	for _, sess := range all {
		sess.mu.Lock()
		out = append(out, sess.info())
		sess.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out
}

// Delete removes a session.
func (s *Sessions) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return ErrSessionNotFound(id)
	}
	delete(s.byID, id)
	return nil
}

// SendMessage appends a user turn, chats with the full history, appends the
// assistant reply and returns it. The history is snapshotted and the session
// lock released for the model call, which can run minutes; Get and List must
// not block behind generation.
func (s *Sessions) SendMessage(ctx context.Context, id, content string) (types.ChatMessage, error) {
	sess, err := s.get(id)
	if err != nil {
		return types.ChatMessage{}, err
	}
	sess.mu.Lock()
	userTurn := types.ChatMessage{Role: types.RoleUser, Content: content, Timestamp: time.Now()}
	history := append(sess.history(), userTurn)
	sess.mu.Unlock()

	resp, err := s.f.Chat(ctx, types.ChatCompletionRequest{
		Model:    sess.model,
		Messages: history,
	})
	if err != nil {
		return types.ChatMessage{}, err
	}
	reply := types.ChatMessage{Role: types.RoleAssistant, Timestamp: time.Now()}
	if len(resp.Choices) > 0 {
		reply.Content = resp.Choices[0].Message.Content
	}
	sess.mu.Lock()
	sess.messages = append(sess.messages, userTurn, reply)
	sess.lastActivity = time.Now()
	sess.mu.Unlock()
	return reply, nil
}

// SendMessageStream is the streaming variant: the user turn is appended up
// front and the assistant turn is recorded once the stream finishes, from the
// accumulated deltas.
func (s *Sessions) SendMessageStream(ctx context.Context, id, content string) (ChunkStream, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	userTurn := types.ChatMessage{Role: types.RoleUser, Content: content, Timestamp: time.Now()}
	history := append(sess.history(), userTurn)
	sess.mu.Unlock()

	inner, err := s.f.ChatStream(ctx, types.ChatCompletionRequest{
		Model:    sess.model,
		Messages: history,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return &recordingStream{inner: inner, sess: sess, userTurn: userTurn}, nil
}

// recordingStream mirrors the streamed reply into the session transcript once
// the stream terminates.
type recordingStream struct {
	inner    ChunkStream
	sess     *session
	userTurn types.ChatMessage
	content  []byte
	once     sync.Once
}

func (r *recordingStream) Next() (*types.ChatCompletionChunk, error) {
	chunk, err := r.inner.Next()
	if err != nil {
		r.record()
		return nil, err
	}
	for _, c := range chunk.Choices {
		r.content = append(r.content, c.Delta.Content...)
	}
	return chunk, nil
}

func (r *recordingStream) Close() error {
	err := r.inner.Close()
	r.record()
	return err
}

func (r *recordingStream) record() {
	r.once.Do(func() {
		r.sess.mu.Lock()
		defer r.sess.mu.Unlock()
		r.sess.messages = append(r.sess.messages, r.userTurn, types.ChatMessage{
			Role:      types.RoleAssistant,
			Content:   string(r.content),
			Timestamp: time.Now(),
		})
		r.sess.lastActivity = time.Now()
	})
}

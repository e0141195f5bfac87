// Package memory holds map-backed repository implementations. They mirror
// the postgres semantics closely enough to stand in for it in the tutor REPL
// and in tests that want real persistence behavior without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/repositories"
)

// Store is the shared backing for all in-memory repositories. One Store
// plays every repository role; the per-interface constructors below just
// narrow the surface.
type Store struct {
	mu sync.Mutex

	sessions    map[int64]*exam.Session
	specs       map[string]*exam.ProblemSpec
	messages    map[int64][]exam.Message
	turnEvals   map[int64]map[int]*exam.TurnLog
	holistic    map[int64]*exam.HolisticLog
	submissions map[string]*exam.SubmissionResult
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions:    make(map[int64]*exam.Session),
		specs:       make(map[string]*exam.ProblemSpec),
		messages:    make(map[int64][]exam.Message),
		turnEvals:   make(map[int64]map[int]*exam.TurnLog),
		holistic:    make(map[int64]*exam.HolisticLog),
		submissions: make(map[string]*exam.SubmissionResult),
	}
}

// Sessions returns the store as a SessionRepository.
func (s *Store) Sessions() repositories.SessionRepository { return (*sessionRepo)(s) }

// Problems returns the store as a ProblemRepository.
func (s *Store) Problems() repositories.ProblemRepository { return (*problemRepo)(s) }

// Messages returns the store as a MessageRepository.
func (s *Store) Messages() repositories.MessageRepository { return (*messageRepo)(s) }

// Evaluations returns the store as an EvaluationRepository.
func (s *Store) Evaluations() repositories.EvaluationRepository { return (*evaluationRepo)(s) }

// Submissions returns the store as a SubmissionRepository.
func (s *Store) Submissions() repositories.SubmissionRepository { return (*submissionRepo)(s) }

// Tx returns a pass-through transaction manager. Writes here are already
// atomic under the store mutex, so grouping is a no-op.
func (s *Store) Tx() repositories.TransactionManager { return passThroughTx{} }

type passThroughTx struct{}

func (passThroughTx) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	return fn(ctx)
}

type sessionRepo Store

func (r *sessionRepo) GetByID(_ context.Context, id int64) (*exam.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	copied := *session
	return &copied, nil
}

func (r *sessionRepo) FindOpen(_ context.Context, examID, participantID, problemID string) (*exam.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *exam.Session
	for _, s := range r.sessions {
		if s.ExamID != examID || s.ParticipantID != participantID || s.ProblemID != problemID {
			continue
		}
		if s.Status != exam.SessionOpen {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("open session for %s/%s/%s: %w",
			examID, participantID, problemID, domain.ErrNotFound)
	}
	copied := *newest
	return &copied, nil
}

func (r *sessionRepo) Create(_ context.Context, session *exam.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session %d already exists: %w", session.ID, domain.ErrPrecondition)
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

func (r *sessionRepo) UpdateStatus(_ context.Context, id int64, status exam.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	session.Status = status
	session.UpdatedAt = time.Now().UTC()
	return nil
}

type problemRepo Store

func (r *problemRepo) GetBySpecID(_ context.Context, specID string) (*exam.ProblemSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[specID]
	if !ok {
		return nil, fmt.Errorf("problem spec %s: %w", specID, domain.ErrNotFound)
	}
	copied := *spec
	return &copied, nil
}

func (r *problemRepo) Create(_ context.Context, spec *exam.ProblemSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.SpecID]; exists {
		return fmt.Errorf("problem spec %s already exists: %w", spec.SpecID, domain.ErrPrecondition)
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	copied := *spec
	r.specs[spec.SpecID] = &copied
	return nil
}

type messageRepo Store

func (r *messageRepo) CreateTurnMessages(_ context.Context, sessionID int64, msgs ...exam.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}
	for _, msg := range msgs {
		if r.hasMessageLocked(sessionID, msg.Turn, msg.Role) {
			// Idempotent on (session, turn, role), matching the postgres
			// ON CONFLICT DO NOTHING.
			continue
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		r.messages[sessionID] = append(r.messages[sessionID], msg)
	}
	return nil
}

func (r *messageRepo) hasMessageLocked(sessionID int64, turn int, role exam.Role) bool {
	for _, m := range r.messages[sessionID] {
		if m.Turn == turn && m.Role == role {
			return true
		}
	}
	return false
}

func (r *messageRepo) HasTurnPair(_ context.Context, sessionID int64, turn int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasMessageLocked(sessionID, turn, exam.RoleUser) &&
		r.hasMessageLocked(sessionID, turn, exam.RoleAssistant), nil
}

func (r *messageRepo) ListBySession(_ context.Context, sessionID int64) ([]exam.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]exam.Message, len(r.messages[sessionID]))
	copy(out, r.messages[sessionID])
	// Turn ascending, USER before ASSISTANT within a turn.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Turn != out[j].Turn {
			return out[i].Turn < out[j].Turn
		}
		return out[i].Role == exam.RoleUser && out[j].Role == exam.RoleAssistant
	})
	return out, nil
}

type evaluationRepo Store

func (r *evaluationRepo) UpsertTurnEval(_ context.Context, sessionID int64, log *exam.TurnLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turnEvals[sessionID] == nil {
		r.turnEvals[sessionID] = make(map[int]*exam.TurnLog)
	}
	copied := *log
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	r.turnEvals[sessionID][log.Turn] = &copied
	return nil
}

func (r *evaluationRepo) UpsertHolistic(_ context.Context, sessionID int64, log *exam.HolisticLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *log
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	r.holistic[sessionID] = &copied
	return nil
}

func (r *evaluationRepo) ListTurnEvals(_ context.Context, sessionID int64) ([]exam.TurnLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logs := make([]exam.TurnLog, 0, len(r.turnEvals[sessionID]))
	for _, log := range r.turnEvals[sessionID] {
		logs = append(logs, *log)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Turn < logs[j].Turn })
	return logs, nil
}

func (r *evaluationRepo) GetHolistic(_ context.Context, sessionID int64) (*exam.HolisticLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.holistic[sessionID]
	if !ok {
		return nil, fmt.Errorf("holistic evaluation for session %d: %w", sessionID, domain.ErrNotFound)
	}
	copied := *log
	return &copied, nil
}

type submissionRepo Store

func (r *submissionRepo) Create(_ context.Context, result *exam.SubmissionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.submissions[result.SubmissionID]; exists {
		return fmt.Errorf("submission %s already exists: %w", result.SubmissionID, domain.ErrPrecondition)
	}
	if _, ok := r.sessions[result.SessionID]; !ok {
		return fmt.Errorf("session %d: %w", result.SessionID, domain.ErrNotFound)
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	copied := *result
	r.submissions[result.SubmissionID] = &copied
	return nil
}

func (r *submissionRepo) GetBySubmissionID(_ context.Context, submissionID string) (*exam.SubmissionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, ok := r.submissions[submissionID]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", submissionID, domain.ErrNotFound)
	}
	copied := *result
	return &copied, nil
}

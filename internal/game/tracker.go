// Package game tracks live trivia game state from realtime frames. State is
// kept in memory only.
package game

import (
	"sort"
	"sync"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"go.uber.org/zap"
)

// Player is one participant's standing.
type Player struct {
	UserID   string
	Username string
	Score    int
	Correct  int
	Answered int
}

// Snapshot is a read-only view of one game.
type Snapshot struct {
	GameID  string
	Players []Player // highest score first
	Final   bool
}

// Attempt is the payload for game.question_attempted events.
type Attempt struct {
	GameID     string
	QuestionID string
	UserID     string
	Correct    bool
	Score      int
}

type gameState struct {
	players  map[string]*Player
	answered map[string]map[string]bool // question -> users
	final    bool
}

// Tracker aggregates game frames per game id.
type Tracker struct {
	mu     sync.Mutex
	games  map[string]*gameState
	bus    *bus.Bus
	logger *zap.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{games: make(map[string]*gameState), bus: b, logger: logger}
}

func (t *Tracker) game(id string) *gameState {
	g, ok := t.games[id]
	if !ok {
		g = &gameState{players: make(map[string]*Player), answered: make(map[string]map[string]bool)}
		t.games[id] = g
	}
	return g
}

func (g *gameState) player(id, name string) *Player {
	p, ok := g.players[id]
	if !ok {
		p = &Player{UserID: id}
		g.players[id] = p
	}
	if name != "" {
		p.Username = name
	}
	return p
}

// QuestionAttempted records an answer. A repeated frame for the same
// question and user only refreshes the score.
func (t *Tracker) QuestionAttempted(q *frame.QuestionAttempted) {
	gameID, userID, questionID := q.GameID.String(), q.UserID.String(), q.QuestionID.String()

	t.mu.Lock()
	g := t.game(gameID)
	p := g.player(userID, q.Username)
	users, ok := g.answered[questionID]
	if !ok {
		users = make(map[string]bool)
		g.answered[questionID] = users
	}
	if !users[userID] {
		users[userID] = true
		p.Answered++
		if q.IsCorrect {
			p.Correct++
		}
	}
	p.Score = q.Score
	t.mu.Unlock()

	t.bus.Emit(bus.KindQuestionAttempted, Attempt{
		GameID: gameID, QuestionID: questionID, UserID: userID, Correct: q.IsCorrect, Score: q.Score,
	})
}

// ScoresFinal applies the final scoreboard and closes the game.
func (t *Tracker) ScoresFinal(a *frame.AllScoresSubmitted) {
	gameID := a.GameID.String()

	t.mu.Lock()
	g := t.game(gameID)
	for _, s := range a.Scores {
		g.player(s.UserID.String(), s.Username).Score = s.Score
	}
	g.final = true
	snap := g.snapshot(gameID)
	t.mu.Unlock()

	t.logger.Info("game finished", zap.String("game_id", gameID), zap.Int("players", len(snap.Players)))
	t.bus.Emit(bus.KindScoresFinal, snap)
}

// Roster replaces the participant list. Players who left are dropped;
// scores of those who stay are kept.
func (t *Tracker) Roster(r *frame.Roster) {
	gameID := r.GameID.String()

	t.mu.Lock()
	g := t.game(gameID)
	keep := make(map[string]*Player, len(r.Participants))
	for _, part := range r.Participants {
		keep[part.UserID.String()] = g.player(part.UserID.String(), part.Username)
	}
	g.players = keep
	snap := g.snapshot(gameID)
	t.mu.Unlock()

	t.bus.Emit(bus.KindRosterUpdated, snap)
}

// Snapshot returns the current view of a game.
func (t *Tracker) Snapshot(gameID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.games[gameID]
	if !ok {
		return Snapshot{}, false
	}
	return g.snapshot(gameID), true
}

// Forget drops a game's state.
func (t *Tracker) Forget(gameID string) {
	t.mu.Lock()
	delete(t.games, gameID)
	t.mu.Unlock()
}

func (g *gameState) snapshot(id string) Snapshot {
	players := make([]Player, 0, len(g.players))
	for _, p := range g.players {
		players = append(players, *p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Score != players[j].Score {
			return players[i].Score > players[j].Score
		}
		if players[i].Username != players[j].Username {
			return players[i].Username < players[j].Username
		}
		return players[i].UserID < players[j].UserID
	})
	return Snapshot{GameID: id, Players: players, Final: g.final}
}

// Package playback reconciles a tab's local video element against the
// room's authoritative playback state. It suppresses echo between the
// inbound and outbound paths, applies a drift-tolerant correction policy,
// and keeps the room's ground truth current even while the tab is
// deliberately desynced.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simulwatch/relay/internal/analytics"
	"github.com/simulwatch/relay/internal/chat"
	"github.com/simulwatch/relay/internal/e2ee"
	"github.com/simulwatch/relay/internal/player"
	"github.com/simulwatch/relay/internal/protocol"
	"github.com/simulwatch/relay/internal/relay"
	"github.com/simulwatch/relay/internal/settings"
)

const (
	// DefaultSettleWindow is how long the remote-update guard stays armed
	// after an inbound application finishes.
	DefaultSettleWindow = 800 * time.Millisecond
	// DefaultReconnectBackoff is the fixed delay between port reconnect
	// attempts. The port is local and cheap to revive, so there is no
	// exponential backoff and no retry cap.
	DefaultReconnectBackoff = 2 * time.Second
	// connectSettle delays the automatic CONNECT after a port attaches,
	// giving the relay time to finish registering the port.
	connectSettle = 300 * time.Millisecond

	// Drift thresholds in seconds. Below soft, corrections would fight
	// normal jitter; above hard, the positions have genuinely diverged.
	softDrift = 0.5
	hardDrift = 2.0
)

// ErrNotConnected is returned when an operation needs a live port and
// there is none.
var ErrNotConnected = errors.New("no port to relay")

// Mode controls whether room updates affect, and local actions produce,
// synchronization traffic.
type Mode int

const (
	ModeSynced Mode = iota
	ModeLocalOnly
)

// ServerState is the room-authoritative playback snapshot as last
// observed by this tab.
type ServerState struct {
	Position  float64
	Status    protocol.PlaybackStatus
	UpdatedAt time.Time
}

// Target extrapolates the room position at time now: while playing, the
// position advances linearly from the last update.
func (s ServerState) Target(now time.Time) float64 {
	if s.Status != protocol.PlaybackPlaying {
		return s.Position
	}
	return s.Position + now.Sub(s.UpdatedAt).Seconds()
}

// Connector opens the tab's port to the relay.
type Connector interface {
	Open() (relay.Port, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func() (relay.Port, error)

func (f ConnectorFunc) Open() (relay.Port, error) { return f() }

// Config assembles an Engine. Nil collaborators get working defaults.
type Config struct {
	Logger           *zap.Logger
	Watcher          player.Watcher
	Crypto           *e2ee.Engine
	Stats            *analytics.Aggregator
	Chat             *chat.Log
	Events           Events
	SettleWindow     time.Duration
	ReconnectBackoff time.Duration
	Clock            func() time.Time
}

// Engine is the per-tab playback synchronization state machine.
type Engine struct {
	mu       sync.Mutex
	player   player.Player
	port     relay.Port
	mode     Mode
	server   ServerState
	pending  *protocol.SyncPayload
	identity settings.Identity
	hasID    bool
	roster   []protocol.User

	watcher   player.Watcher
	guard     *remoteGuard
	crypto    *e2ee.Engine
	stats     *analytics.Aggregator
	chat      *chat.Log
	events    Events
	logger    *zap.Logger
	now       func() time.Time
	reconnect time.Duration
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Crypto == nil {
		cfg.Crypto = e2ee.New(cfg.Logger)
	}
	if cfg.Stats == nil {
		cfg.Stats = analytics.New(cfg.Logger)
	}
	if cfg.Chat == nil {
		cfg.Chat = chat.NewLog()
	}
	if cfg.Events == nil {
		cfg.Events = NopEvents{}
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = DefaultSettleWindow
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		watcher:   cfg.Watcher,
		guard:     newRemoteGuard(cfg.SettleWindow, cfg.Clock),
		crypto:    cfg.Crypto,
		stats:     cfg.Stats,
		chat:      cfg.Chat,
		events:    cfg.Events,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		reconnect: cfg.ReconnectBackoff,
	}
}

// Run drives the engine until ctx is cancelled: binds players as the
// watcher announces them and keeps the port alive, reconnecting after a
// fixed backoff whenever it drops.
func (e *Engine) Run(ctx context.Context, connector Connector) {
	if e.watcher != nil {
		go e.watchPlayers(ctx)
	}
	for {
		port, err := connector.Open()
		if err != nil {
			e.logger.Warn("port open failed", zap.Error(err))
			e.events.Status(protocol.StatusDisconnected)
			if !e.sleep(ctx) {
				return
			}
			continue
		}
		e.attachPort(port)
		e.consume(ctx, port)
		e.detachPort(port)
		if ctx.Err() != nil {
			return
		}
		e.events.Status(protocol.StatusDisconnected)
		if !e.sleep(ctx) {
			return
		}
	}
}

func (e *Engine) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.reconnect):
		return true
	}
}

// AttachPort wires a port directly, for embedding without Run.
func (e *Engine) AttachPort(port relay.Port) {
	e.attachPort(port)
}

func (e *Engine) attachPort(port relay.Port) {
	e.mu.Lock()
	e.port = port
	hasID := e.hasID
	id := e.identity
	e.mu.Unlock()

	if !hasID {
		return
	}
	// Reissue the connect for the identity held from before the port drop.
	time.AfterFunc(connectSettle, func() {
		e.mu.Lock()
		current := e.port == port
		e.mu.Unlock()
		if !current {
			return
		}
		if err := e.sendConnect(port, id); err != nil {
			e.logger.Warn("reconnect request failed", zap.Error(err))
		}
	})
}

func (e *Engine) detachPort(port relay.Port) {
	e.mu.Lock()
	if e.port == port {
		e.port = nil
	}
	e.mu.Unlock()
	_ = port.Close()
}

func (e *Engine) consume(ctx context.Context, port relay.Port) {
	for {
		select {
		case <-ctx.Done():
			_ = port.Close()
			return
		case msg, ok := <-port.Recv():
			if !ok {
				return
			}
			e.HandlePortMessage(msg)
		}
	}
}

// Connect records the session identity and asks the relay to open a room
// socket for it.
func (e *Engine) Connect(url, roomID, userID string) error {
	id := settings.Identity{RoomID: roomID, UserID: userID, URL: url}
	e.mu.Lock()
	e.identity = id
	e.hasID = true
	port := e.port
	e.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	e.events.Status(protocol.StatusConnecting)
	return e.sendConnect(port, id)
}

func (e *Engine) sendConnect(port relay.Port, id settings.Identity) error {
	return port.Send(protocol.PortMessage{
		Type:   protocol.PortConnect,
		URL:    id.URL,
		RoomID: id.RoomID,
		UserID: id.UserID,
	})
}

// HandlePortMessage dispatches one message from the relay.
func (e *Engine) HandlePortMessage(msg protocol.PortMessage) {
	switch msg.Type {
	case protocol.PortStatus:
		e.events.Status(msg.Status)
	case protocol.PortConnected:
		e.connected(msg.RoomID, msg.UserID)
	case protocol.PortServer:
		if msg.Frame == nil {
			e.logger.Warn("server message without frame")
			return
		}
		e.handleFrame(*msg.Frame)
	case protocol.PortConnect, protocol.PortAction, protocol.PortChat,
		protocol.PortReaction, protocol.PortAnalytics:
		// tab-to-relay kinds never arrive here
		e.logger.Debug("ignoring outbound-kind message", zap.String("type", string(msg.Type)))
	default:
		e.logger.Warn("unknown port message", zap.String("type", string(msg.Type)))
	}
}

func (e *Engine) connected(roomID, userID string) {
	e.mu.Lock()
	e.identity.RoomID = roomID
	e.identity.UserID = userID
	e.hasID = true
	e.mu.Unlock()

	if err := e.crypto.Derive(roomID); err != nil {
		e.logger.Warn("chat key derivation failed, chat is plaintext", zap.Error(err))
	}
	e.events.Secure(e.crypto.Secure())
	e.events.Status(protocol.StatusConnected)
	e.events.Playback("READY")
}

func (e *Engine) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameAction, protocol.FrameSync:
		var p protocol.SyncPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			e.logger.Warn("malformed sync payload", zap.Error(err))
			return
		}
		e.HandleSync(f.Type, p)
	case protocol.FrameChat:
		var p protocol.ChatPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			e.logger.Warn("malformed chat payload", zap.Error(err))
			return
		}
		e.handleChat(p)
	case protocol.FrameReaction:
		var p protocol.ReactionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			e.logger.Warn("malformed reaction payload", zap.Error(err))
			return
		}
		e.stats.Reaction(p.ID)
		e.events.Reaction(p.ID, p.UserID)
	case protocol.FrameUserList:
		var users []protocol.User
		if err := json.Unmarshal(f.Payload, &users); err != nil {
			e.logger.Warn("malformed user list", zap.Error(err))
			return
		}
		e.mu.Lock()
		e.roster = users
		e.mu.Unlock()
		e.events.UserList(users)
	case protocol.FrameHeartbeat, protocol.FrameAnalytics:
		// not meaningful inbound
	default:
		e.logger.Warn("unknown frame", zap.String("type", string(f.Type)))
	}
}

// HandleSync processes an inbound room-state update. ServerState always
// advances, even in local-only mode; the local player is only touched
// when synced and bound. Sync frames arriving before a player binds are
// stashed, one slot, last write wins.
func (e *Engine) HandleSync(frameType protocol.FrameType, p protocol.SyncPayload) {
	e.mu.Lock()
	e.server = ServerState{
		Position:  p.Time,
		Status:    p.EffectiveStatus(),
		UpdatedAt: e.now(),
	}
	mode := e.mode
	pl := e.player
	if mode == ModeLocalOnly {
		e.mu.Unlock()
		return
	}
	if pl == nil {
		if frameType == protocol.FrameSync {
			stash := p
			e.pending = &stash
		}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.applySync(pl, p)
}

// applySync mutates the player under the remote-update guard: drift
// policy first, then play/pause reconciliation. A match action with no
// explicit status is a peer's seek: it corrects position only, leaving
// the play state and the overlay text alone.
func (e *Engine) applySync(pl player.Player, p protocol.SyncPayload) {
	e.stats.Sync()

	release := e.guard.Acquire()
	defer release()

	positionOnly := p.Status == "" && p.Action == protocol.ActionMatch
	status := p.EffectiveStatus()
	if !positionOnly {
		e.events.Playback(transitionText(status, p.UpdatedBy))
	}

	local := pl.Position()
	drift := math.Abs(local - p.Time)
	switch {
	case drift > hardDrift:
		pl.Seek(p.Time)
		e.stats.Drift()
	case drift > softDrift && isBuffered(pl, p.Time):
		pl.Seek(p.Time)
		e.stats.Drift()
	}

	if positionOnly {
		return
	}
	switch status {
	case protocol.PlaybackPlaying:
		if pl.Paused() {
			if err := pl.Play(); err != nil {
				e.logger.Warn("play refused", zap.Error(err))
			}
		}
	case protocol.PlaybackPaused:
		if !pl.Paused() {
			pl.Pause()
		}
	case protocol.PlaybackStopped:
		// stopped is a tracking state, not a transition to drive
	}
}

func isBuffered(pl player.Player, t float64) bool {
	for _, r := range pl.Buffered() {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

func transitionText(status protocol.PlaybackStatus, by string) string {
	var verb string
	switch status {
	case protocol.PlaybackPlaying:
		verb = "PLAYING"
	case protocol.PlaybackPaused:
		verb = "PAUSED"
	default:
		verb = "STOPPED"
	}
	if by == "" || by == "system" {
		return verb
	}
	return fmt.Sprintf("%s by %s", verb, by)
}

// Match pulls the local player to the extrapolated room state. This is an
// explicit user resync: it bypasses the drift thresholds, but it runs
// under the remote-update guard so the play/pause it triggers never
// echoes back out as a local action.
func (e *Engine) Match() {
	e.mu.Lock()
	st := e.server
	pl := e.player
	e.mu.Unlock()
	if pl == nil {
		return
	}

	target := st.Target(e.now())

	release := e.guard.Acquire()
	defer release()

	pl.Seek(target)
	if st.Status == protocol.PlaybackPlaying {
		if pl.Paused() {
			if err := pl.Play(); err != nil {
				e.logger.Warn("play refused", zap.Error(err))
			}
		}
	} else if !pl.Paused() {
		pl.Pause()
	}
}

// OnPlay implements player.Listener.
func (e *Engine) OnPlay() {
	if e.emitAction(protocol.ActionPlay) {
		e.events.Playback("PLAYING by Me")
	}
}

// OnPause implements player.Listener.
func (e *Engine) OnPause() {
	if e.emitAction(protocol.ActionPause) {
		e.events.Playback("PAUSED by Me")
	}
}

// OnSeeked implements player.Listener. A local seek becomes a match
// action: position-only, no play/pause intent.
func (e *Engine) OnSeeked() {
	e.emitAction(protocol.ActionMatch)
}

// emitAction sends a local playback transition to the room, unless it is
// an echo of a remote application or the tab is in local-only mode.
// Reports whether the action went out.
func (e *Engine) emitAction(action protocol.SyncAction) bool {
	if e.guard.Active() {
		return false
	}
	e.mu.Lock()
	mode := e.mode
	port := e.port
	pl := e.player
	e.mu.Unlock()
	if mode == ModeLocalOnly || port == nil || pl == nil {
		return false
	}
	payload := protocol.SyncPayload{Action: action, Time: pl.Position()}
	err := port.Send(protocol.PortMessage{
		Type:    protocol.PortAction,
		Payload: protocol.Marshal(payload),
	})
	if err != nil {
		e.logger.Warn("action send failed", zap.Error(err))
		return false
	}
	return true
}

// SendChat encrypts and relays a chat message, rendering the local
// plaintext copy immediately. The server's echo dedups on the id.
func (e *Engine) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	e.mu.Lock()
	port := e.port
	id := e.identity
	e.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	ts := e.now()
	payload := protocol.ChatPayload{
		ID:        uuid.New().String(),
		UserID:    id.UserID,
		Text:      e.crypto.Encrypt(text),
		Timestamp: ts.UnixMilli(),
	}
	err := port.Send(protocol.PortMessage{
		Type:    protocol.PortChat,
		Payload: protocol.Marshal(payload),
	})
	if err != nil {
		return fmt.Errorf("send chat: %w", err)
	}

	m := chat.Message{ID: payload.ID, UserID: id.UserID, Text: text, Timestamp: ts}
	if e.chat.Append(m) {
		e.stats.Chat()
		e.events.ChatMessage(m)
	}
	return nil
}

func (e *Engine) handleChat(p protocol.ChatPayload) {
	m := chat.Message{
		ID:        p.ID,
		UserID:    p.UserID,
		Text:      e.crypto.Decrypt(p.Text),
		Timestamp: time.UnixMilli(p.Timestamp),
	}
	if e.chat.Append(m) {
		e.stats.Chat()
		e.events.ChatMessage(m)
	}
}

// SendReaction relays an ephemeral reaction and plays it locally.
func (e *Engine) SendReaction(id string) error {
	e.mu.Lock()
	port := e.port
	userID := e.identity.UserID
	e.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	payload := protocol.ReactionPayload{ID: id, UserID: userID}
	err := port.Send(protocol.PortMessage{
		Type:    protocol.PortReaction,
		Payload: protocol.Marshal(payload),
	})
	if err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	e.stats.Reaction(id)
	e.events.Reaction(id, userID)
	return nil
}

// FlushAnalytics implements analytics.Flusher over the port.
func (e *Engine) FlushAnalytics(p protocol.AnalyticsPayload) error {
	e.mu.Lock()
	port := e.port
	e.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	return port.Send(protocol.PortMessage{
		Type:    protocol.PortAnalytics,
		Payload: protocol.Marshal(p),
	})
}

// SetMode switches between synced and local-only. Only explicit user
// action calls this; flipping back to synced does not itself pull state
// (that is what Match is for).
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
	if m == ModeLocalOnly {
		e.events.Playback("LOCAL ONLY")
	}
}

// Mode returns the current sync mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// State returns the last observed room state.
func (e *Engine) State() ServerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server
}

// Users returns the last received room roster.
func (e *Engine) Users() []protocol.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.User, len(e.roster))
	copy(out, e.roster)
	return out
}

func (e *Engine) watchPlayers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pl, ok := <-e.watcher.Players():
			if !ok {
				return
			}
			e.Bind(pl)
		}
	}
}

// Bind attaches a player. A pending sync stashed while unbound applies
// immediately, unless the tab has since gone local-only.
func (e *Engine) Bind(pl player.Player) {
	e.mu.Lock()
	e.player = pl
	pending := e.pending
	e.pending = nil
	mode := e.mode
	e.mu.Unlock()

	pl.SetListener(e)
	e.logger.Info("player bound")

	if pending != nil && mode != ModeLocalOnly {
		e.applySync(pl, *pending)
	}
}

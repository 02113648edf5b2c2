// Package main runs a headless tab: a simulated video element bound to
// the sync engine, talking to a relay daemon over the local bridge.
// Useful for joining a room from a terminal and for soak-testing a relay.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simulwatch/relay/internal/analytics"
	"github.com/simulwatch/relay/internal/chat"
	"github.com/simulwatch/relay/internal/playback"
	"github.com/simulwatch/relay/internal/player"
	"github.com/simulwatch/relay/internal/protocol"
	"github.com/simulwatch/relay/internal/relay"
)

func main() {
	bridge := flag.String("bridge", "ws://localhost:8090/port", "relay daemon bridge URL")
	server := flag.String("server", "", "room server URL (empty: relay default)")
	room := flag.String("room", "", "room code to join")
	user := flag.String("user", "", "user name (random when empty)")
	tab := flag.String("tab", "", "tab identifier (random when empty)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *room == "" {
		logger.Fatal("a -room code is required")
	}
	if *user == "" {
		*user = "sim-" + uuid.New().String()[:8]
	}
	if *tab == "" {
		*tab = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := player.NewSimPlayer()
	stats := analytics.New(logger)
	engine := playback.NewEngine(playback.Config{
		Logger:  logger,
		Watcher: player.NewStaticWatcher(sim),
		Stats:   stats,
		Events:  &consoleEvents{logger: logger},
	})

	go engine.Run(ctx, playback.ConnectorFunc(func() (relay.Port, error) {
		return relay.DialBridge(*bridge, *tab)
	}))
	go stats.Run(ctx, analytics.DefaultFlushInterval, engine)

	// The port attaches asynchronously; keep asking until the relay has it.
	go func() {
		for {
			if err := engine.Connect(*server, *room, *user); err == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}()

	go repl(ctx, engine, sim)

	<-ctx.Done()
	logger.Info("tab closed")
}

// repl reads commands from stdin; any other line is sent as chat.
func repl(ctx context.Context, engine *playback.Engine, sim *player.SimPlayer) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/play":
			_ = sim.Play()
		case line == "/pause":
			sim.Pause()
		case strings.HasPrefix(line, "/seek "):
			if sec, err := strconv.ParseFloat(strings.TrimPrefix(line, "/seek "), 64); err == nil {
				sim.Seek(sec)
			}
		case line == "/match":
			engine.Match()
		case line == "/local":
			engine.SetMode(playback.ModeLocalOnly)
		case line == "/sync":
			engine.SetMode(playback.ModeSynced)
		case strings.HasPrefix(line, "/react "):
			_ = engine.SendReaction(strings.TrimPrefix(line, "/react "))
		case line == "/pos":
			fmt.Printf("position %.1fs paused=%v\n", sim.Position(), sim.Paused())
		default:
			if err := engine.SendChat(line); err != nil {
				fmt.Println("chat failed:", err)
			}
		}
	}
}

// consoleEvents renders overlay signals as log lines.
type consoleEvents struct {
	logger *zap.Logger
}

func (c *consoleEvents) Status(s protocol.Status) {
	c.logger.Info("status", zap.String("status", string(s)))
}

func (c *consoleEvents) Playback(text string) {
	c.logger.Info("playback", zap.String("text", text))
}

func (c *consoleEvents) ChatMessage(m chat.Message) {
	fmt.Printf("[%s] %s\n", m.UserID, m.Text)
}

func (c *consoleEvents) Reaction(id, userID string) {
	fmt.Printf("* %s from %s\n", id, userID)
}

func (c *consoleEvents) UserList(users []protocol.User) {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	c.logger.Info("roster", zap.Strings("users", names))
}

func (c *consoleEvents) Secure(on bool) {
	c.logger.Info("chat confidentiality", zap.Bool("secure", on))
}

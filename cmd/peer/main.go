// Command peer is a terminal client: it joins the queue, negotiates a direct
// pion connection with the partner and chats over it.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"senvo/backend/internal/config"
	"senvo/backend/internal/logging"
	"senvo/backend/internal/matching"
	"senvo/backend/internal/models"
	"senvo/backend/internal/negotiator"
	"senvo/backend/internal/session"
	"senvo/backend/internal/signaling"
	"senvo/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	opts         config.Options
	flagMode     string
	flagID       string
	flagLoopback bool
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Find a stranger and chat with them over a direct WebRTC channel",
	Long: `peer joins the matching queue, negotiates a WebRTC connection with the
partner it is paired with and relays lines typed on stdin.

Commands while chatting:
  /next   leave and find someone else
  /quit   exit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := models.ParseMode(flagMode)
		if err != nil {
			return err
		}
		cfg, err := config.Load(opts)
		if err != nil {
			return err
		}
		if cfg.Feed == config.FeedMemory {
			return errors.New("peer needs a shared store; set FEED_BACKEND to redis or postgres")
		}
		return run(cmd.Context(), cfg, mode, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagMode, "mode", "m", string(models.ModeText), "text, voice or video")
	f.StringVar(&flagID, "id", "", "session id (random when empty)")
	f.BoolVar(&flagLoopback, "loopback", false, "offer loopback candidates, for two peers on one machine")
	f.StringVar(&opts.EnvFile, "env-file", "", "dotenv file to load (default .env)")
	f.StringVar(&opts.DatabaseURL, "database-url", "", "Postgres DSN")
	f.StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address")
	f.StringVar(&opts.Feed, "feed", "", "change feed backend: redis or postgres")
	f.StringVar(&opts.ICEFile, "ice-config", "", "YAML file with ICE servers")
	f.StringVar(&opts.LogLevel, "log-level", "warn", "debug, info, warn or error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type peer struct {
	cfg    *config.Config
	mode   models.Mode
	sess   *session.Session
	out    io.Writer
	logger *slog.Logger

	mu   sync.Mutex
	link *link
}

func run(ctx context.Context, cfg *config.Config, mode models.Mode, in io.Reader, out io.Writer) error {
	logger := logging.Init(cfg.LogLevel)

	store, closeStore, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	id := flagID
	if id == "" {
		id = uuid.New().String()
	}
	p := &peer{cfg: cfg, mode: mode, out: out, logger: logger}
	sess, err := session.New(ctx, session.Deps{
		Store:    store,
		Identity: matching.StaticIdentity(id),
		Match: matching.Options{
			MaxWait:    cfg.Match.MaxWait,
			Heartbeat:  cfg.Match.Heartbeat,
			StaleAfter: cfg.Match.StaleAfter,
		},
		Logger: logger,
		// The link is dialled before the room delivers its first signal.
		OnRoom: func(match *matching.MatchResult, signals *signaling.Relay) {
			p.connect(ctx, match, signals)
		},
	})
	if err != nil {
		return err
	}
	p.sess = sess
	defer p.shutdown()

	fmt.Fprintf(out, "session %s, mode %s\n", id, mode)
	if err := sess.Find(ctx, mode); err != nil {
		return err
	}
	go p.events(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := p.input(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (p *peer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// input handles one typed line and reports whether to exit.
func (p *peer) input(ctx context.Context, line string) bool {
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/next":
		p.dropLink()
		if err := p.sess.Skip(ctx); err != nil {
			if !errors.Is(err, session.ErrNotConnected) {
				p.printf("! %v", err)
				return false
			}
			if err := p.sess.Find(ctx, p.mode); err != nil {
				p.printf("! %v", err)
			}
		}
		return false
	}

	p.mu.Lock()
	l := p.link
	p.mu.Unlock()

	if l != nil {
		if err := l.send(newFrame(frameText, line)); err == nil {
			return false
		}
	}
	// No direct channel yet; text rooms can still use the relay.
	if _, err := p.sess.SendChat(ctx, line); err != nil {
		p.printf("! %v", err)
	}
	return false
}

func (p *peer) events(ctx context.Context) {
	for {
		select {
		case ev := <-p.sess.Events():
			p.handle(ctx, ev)
		case <-p.sess.Done():
			return
		}
	}
}

func (p *peer) handle(ctx context.Context, ev session.Event) {
	switch ev.Kind {
	case session.EventSearching:
		p.printf("* looking for a partner (%s)...", ev.Mode)
	case session.EventMatched:
		p.printf("* matched in room %s", ev.Match.RoomID)
	case session.EventChat:
		p.printf("stranger: %s", ev.Message.Text())
	case session.EventPeerLeft:
		p.dropLink()
		p.printf("* partner left; /next to find someone else")
	case session.EventEnded:
		p.dropLink()
	case session.EventError:
		if errors.Is(ev.Err, matching.ErrSearchTimeout) {
			p.printf("* nobody turned up; /next to search again")
			return
		}
		p.printf("! %v", ev.Err)
	}
}

func (p *peer) connect(ctx context.Context, match *matching.MatchResult, signals *signaling.Relay) {
	var l *link
	var err error
	l, err = dial(ctx, p.cfg, flagLoopback, match, signals, linkHandlers{
		onOpen: func() { p.printf("* direct channel open") },
		onFrame: func(f Frame) {
			switch f.Type {
			case frameText:
				p.printf("stranger: %s", f.Text)
			case frameBye:
				p.printf("* partner is leaving")
			}
		},
		onState: func(s negotiator.State, err error) {
			if s == negotiator.StateFailed {
				// Observers must not close the negotiator themselves.
				go p.linkFailed(ctx, l, err)
				return
			}
			p.logger.Debug("link state", "state", s)
		},
	}, p.logger)
	if err != nil {
		p.printf("! %v", err)
		return
	}

	p.mu.Lock()
	old := p.link
	p.link = l
	p.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// linkFailed ends the room whose link could not be negotiated, which tells
// the partner, and returns to idle.
func (p *peer) linkFailed(ctx context.Context, l *link, cause error) {
	p.mu.Lock()
	if p.link != l {
		p.mu.Unlock()
		return
	}
	p.link = nil
	p.mu.Unlock()
	if l != nil {
		l.close()
	}

	p.printf("! connection failed: %v", cause)
	if err := p.sess.End(ctx); err != nil {
		p.logger.Warn("ending failed room", "error", err)
	}
	p.printf("* left the room; /next to find someone else")
}

func (p *peer) dropLink() {
	p.mu.Lock()
	l := p.link
	p.link = nil
	p.mu.Unlock()
	if l != nil {
		l.close()
	}
}

func (p *peer) shutdown() {
	p.dropLink()
	if err := p.sess.Close(context.Background()); err != nil {
		p.logger.Warn("closing session", "error", err)
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lowfold/parley/internal/adapters/backend"
	"github.com/lowfold/parley/internal/adapters/devices"
	"github.com/lowfold/parley/internal/adapters/kv"
	lk "github.com/lowfold/parley/internal/adapters/livekit"
	"github.com/lowfold/parley/internal/adapters/tracing"
	"github.com/lowfold/parley/internal/engine"
	"github.com/lowfold/parley/internal/ports"
	"github.com/lowfold/parley/pkg/protocol"
)

// chatCmd creates the chat command for interactive conversations
func chatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the assistant",
		Long: `Join the configured room and start an interactive session.
Type a message and press Enter to send it. Commands:
  /voice    toggle between text and voice mode
  /metrics  show the agent's runtime metrics
  /test     ask the agent to play its audio test chime
  /quit     leave the room and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(sessionID)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing session id")
	return cmd
}

func runChat(sessionID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer("parley")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdown(context.Background())

	store, err := kv.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}

	transport := lk.NewTransport(lk.Config{
		URL:             cfg.LiveKit.URL,
		APIKey:          cfg.LiveKit.APIKey,
		APISecret:       cfg.LiveKit.APISecret,
		Token:           cfg.LiveKit.Token,
		ParticipantName: cfg.LiveKit.Identity,
	})

	source := lk.NewToneSource(48000, 1, 440, 0.2)
	capture := lk.NewCapture(transport, source)

	enumerator := devices.NewEnumerator()
	defer enumerator.Close()
	deviceMgr := engine.NewDeviceManager(enumerator, capture, store)

	var messageStore ports.MessageStore
	if cfg.Backend.WSURL != "" {
		client := backend.NewClient(cfg.Backend.WSURL, cfg.Backend.Secret)
		if err := client.Connect(ctx); err != nil {
			slog.Warn("chat: backend unavailable, history disabled", "error", err)
		} else {
			messageStore = client
			defer client.Disconnect()
		}
	}

	printer := newTranscriptPrinter()

	session := engine.NewSession(transport, capture, messageStore, deviceMgr, engine.SessionHooks{
		OnMessageCreated:   printer.created,
		OnMessageUpdated:   printer.updated,
		OnMessageFinalized: printer.finalized,
		OnModeChanged: func(mode engine.Mode) {
			printer.notice(fmt.Sprintf("switched to %s mode", mode))
		},
		OnConnectionChanged: func(connected bool) {
			if connected {
				printer.notice("connected")
			} else {
				printer.notice("connection lost, reconnecting")
			}
		},
		OnParticipantChange: func(p ports.Participant, joined bool) {
			if joined {
				printer.notice(fmt.Sprintf("%s joined", p.Identity))
			} else {
				printer.notice(fmt.Sprintf("%s left", p.Identity))
			}
		},
		OnSpeaking: func(speaking bool) {
			if speaking {
				printer.notice("listening...")
			}
		},
	}, engine.SessionOptions{
		ChatTopic:      cfg.Chat.Topic,
		RPCTimeout:     cfg.Chat.RPCTimeout,
		MetricsSettle:  cfg.Metrics.Settle,
		MetricsEvery:   cfg.Metrics.Interval,
		MetricsTimeout: cfg.Metrics.Timeout,
	})

	if err := session.Connect(ctx, cfg.LiveKit.Room, cfg.LiveKit.Identity, sessionID); err != nil {
		return err
	}
	defer session.Disconnect(context.Background())

	fmt.Printf("Joined %s as %s (session %s)\n", cfg.LiveKit.Room, cfg.LiveKit.Identity, session.SessionID())
	fmt.Println(strings.Repeat("-", 60))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gCtx.Done()
		return nil
	})

	g.Go(func() error {
		scanner := bufio.NewScanner(os.Stdin)
		for {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}

			if !scanner.Scan() {
				stop()
				return scanner.Err()
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := handleCommand(gCtx, session, line, printer); quit {
					stop()
					return nil
				}
				continue
			}

			if _, err := session.SendText(gCtx, line); err != nil {
				printer.notice(fmt.Sprintf("send failed: %v", err))
			}
		}
	})

	return g.Wait()
}

// handleCommand runs one slash command. Returns true when the session should
// end.
func handleCommand(ctx context.Context, session *engine.Session, line string, printer *transcriptPrinter) bool {
	switch strings.ToLower(strings.Fields(line)[0]) {
	case "/quit", "/exit":
		fmt.Println("Goodbye!")
		return true

	case "/voice":
		mode, err := session.ToggleMode(ctx)
		if err != nil {
			printer.notice(fmt.Sprintf("mode switch failed: %v", err))
		} else {
			printer.notice(fmt.Sprintf("now in %s mode", mode))
		}

	case "/metrics":
		printMetrics(session.Metrics())

	case "/test":
		if err := session.TestAudioOutput(ctx); err != nil {
			printer.notice(fmt.Sprintf("audio test failed: %v", err))
		} else {
			printer.notice("audio test requested")
		}

	default:
		printer.notice(fmt.Sprintf("unknown command %s", line))
	}
	return false
}

func printMetrics(sample *protocol.MetricsSample) {
	if sample == nil {
		fmt.Println("[no metrics available]")
		return
	}
	fmt.Printf("[agent %s] first token %.0fms, %.1f tok/s, error rate %.2f%%\n",
		sample.Status, sample.AvgFirstTokenLatencyMs, sample.AvgTokensPerSecond, sample.ErrorRate24hPercent)
}

// transcriptPrinter renders transcript updates on stdout. Streaming messages
// print their content incrementally; cumulative updates are diffed against
// what was already written.
type transcriptPrinter struct {
	mu      sync.Mutex
	openID  string
	written int
}

func newTranscriptPrinter() *transcriptPrinter {
	return &transcriptPrinter{}
}

func (p *transcriptPrinter) created(msg *engine.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.IsStreaming {
		p.closeOpenLocked()
		fmt.Printf("%s: %s", rolePrefix(msg.Role), msg.Content)
		p.openID = msg.ID
		p.written = len(msg.Content)
		return
	}

	if msg.Role == engine.RoleUser {
		// Locally sent messages were already echoed by the terminal.
		return
	}
	p.closeOpenLocked()
	fmt.Printf("%s: %s\n", rolePrefix(msg.Role), msg.Content)
}

func (p *transcriptPrinter) updated(msg *engine.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ID != p.openID {
		return
	}
	if len(msg.Content) > p.written {
		fmt.Print(msg.Content[p.written:])
		p.written = len(msg.Content)
	}
}

func (p *transcriptPrinter) finalized(msg *engine.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ID == p.openID {
		if len(msg.Content) > p.written {
			fmt.Print(msg.Content[p.written:])
		}
		fmt.Println()
		p.openID = ""
		p.written = 0
	}
}

func (p *transcriptPrinter) notice(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeOpenLocked()
	fmt.Printf("[%s]\n", text)
}

func (p *transcriptPrinter) closeOpenLocked() {
	if p.openID != "" {
		fmt.Println()
		p.openID = ""
		p.written = 0
	}
}

func rolePrefix(role string) string {
	switch role {
	case engine.RoleAgent:
		return "Assistant"
	case engine.RoleUser:
		return "You"
	default:
		return "System"
	}
}

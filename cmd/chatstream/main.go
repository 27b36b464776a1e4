package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketmind/chatstream/internal/client"
	"github.com/marketmind/chatstream/internal/config"
	perrors "github.com/marketmind/chatstream/internal/errors"
	"github.com/marketmind/chatstream/internal/history"
	"github.com/marketmind/chatstream/internal/metrics"
	"github.com/marketmind/chatstream/internal/session"
	"github.com/marketmind/chatstream/internal/stream"
	"github.com/marketmind/chatstream/pkg/token"
)

func main() {
	listChats := flag.Bool("list", false, "list chats and exit")
	chatID := flag.String("chat", "", "existing chat id to resume")
	chatTitle := flag.String("title", "Terminal session", "title for a newly created chat")
	flag.Parse()

	_ = godotenv.Load()

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if os.Getenv("ENVIRONMENT") == "development" || os.Getenv("ENVIRONMENT") == "" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if cfg.GatewayToken == "" {
		logger.Fatal().Msg("GATEWAY_TOKEN is required")
	}
	tokens := token.Static(cfg.GatewayToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	histClient := history.NewClient(cfg.HistoryBaseURL, tokens, logger)

	if *listChats {
		chats, err := histClient.ListChats(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to list chats")
		}
		for _, ch := range chats {
			fmt.Printf("%s\t%s\n", ch.ID, ch.Title)
		}
		return
	}

	activeChat := *chatID
	if activeChat == "" {
		chat, err := histClient.CreateChat(ctx, *chatTitle)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create chat")
		}
		activeChat = chat.ID
		logger.Info().Str("chat_id", activeChat).Msg("created chat")
	} else {
		chat, err := histClient.GetChat(ctx, activeChat)
		if err != nil {
			logger.Fatal().Err(err).Str("chat_id", activeChat).Msg("failed to fetch chat")
		}
		for _, m := range chat.Messages {
			fmt.Printf("[%s] %s\n", m.Role, m.Content)
		}
	}

	m := metrics.New()
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	c := client.New(client.Config{
		GatewayURL:        cfg.GatewayURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		Reconnect: client.ReconnectPolicy{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
		},
	}, tokens, m, logger)

	printer := newPrinter()
	c.Subscribe(printer.onState)
	c.OnMessage(printer.onMessage)

	if err := c.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.Disconnect()
		cancel()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("type a message and press enter (/quit to exit)")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			break
		}
		if c.State().Streaming {
			fmt.Fprintln(os.Stderr, "still streaming the previous reply, hold on")
			continue
		}
		if err := c.SendMessage(activeChat, text); err != nil {
			if errors.Is(err, perrors.ErrNotConnected) {
				fmt.Fprintln(os.Stderr, "not connected, retrying")
				if err := c.Connect(ctx); err != nil {
					logger.Warn().Err(err).Msg("reconnect failed")
				}
				continue
			}
			logger.Error().Err(err).Msg("send failed")
		}
	}

	c.Disconnect()
}

// printer renders incremental chunks and session notices on the terminal.
type printer struct {
	lastLen    int
	lastStatus session.Status
}

func newPrinter() *printer {
	return &printer{lastStatus: session.StatusIdle}
}

func (p *printer) onState(s session.State) {
	if len(s.Content) > p.lastLen {
		fmt.Print(s.Content[p.lastLen:])
	}
	p.lastLen = len(s.Content)

	if s.Status != p.lastStatus {
		switch s.Status {
		case session.StatusReconnecting:
			fmt.Fprintln(os.Stderr, "\n[connection lost, reconnecting]")
		case session.StatusOpen:
			if p.lastStatus == session.StatusReconnecting {
				fmt.Fprintln(os.Stderr, "[reconnected]")
			}
		case session.StatusClosed:
			if s.LastError != "" {
				fmt.Fprintf(os.Stderr, "\n[connection failed: %s]\n", s.LastError)
			}
		}
		p.lastStatus = s.Status
	}

	if s.LastError != "" && s.Status == session.StatusOpen {
		fmt.Fprintf(os.Stderr, "\n[%s]\n", s.LastError)
	}
}

func (p *printer) onMessage(m stream.Message) {
	p.lastLen = 0
	fmt.Println()
	if len(m.ToolsUsed) > 0 {
		fmt.Fprintf(os.Stderr, "[tools: %s]\n", strings.Join(m.ToolsUsed, ", "))
	}
	if m.Chart != nil {
		fmt.Fprintf(os.Stderr, "[chart for %s: %s]\n", m.Chart.Symbol, m.Chart.URL)
	}
}

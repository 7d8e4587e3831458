// Command client is a headless Voicelink client: it keeps the bus
// connection alive, prints live feeds and can place or answer one call.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Voicelink/internal/adapters/rtc"
	"github.com/dkeye/Voicelink/internal/adapters/ws"
	"github.com/dkeye/Voicelink/internal/app/bus"
	"github.com/dkeye/Voicelink/internal/app/call"
	"github.com/dkeye/Voicelink/internal/app/feeds"
	"github.com/dkeye/Voicelink/internal/config"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/dkeye/Voicelink/internal/logging"
)

// logoutOnExhaustion ends the process once the bus gives up reconnecting.
type logoutOnExhaustion struct {
	cancel context.CancelFunc
}

func (l logoutOnExhaustion) InvalidateSession(cause error) {
	log.Error().Str("module", "client").Err(cause).Msg("session invalidated")
	l.cancel()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flags := config.Flags("voicelink-client")
	peer := flags.String("call", "", "user to call once connected")
	chat := flags.String("chat", "", "chat to join")
	say := flags.String("say", "", "message to post to --chat")
	autoAccept := flags.Bool("auto-accept", false, "answer incoming calls")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(config.WithFlags(flags))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(ctx, cancel, cfg, *peer, *chat, *say, *autoAccept); err != nil {
		log.Error().Str("module", "client").Err(err).Msg("client stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, peer, chat, say string, autoAccept bool) error {
	self, err := domain.ParseUserID(cfg.Client.UserID)
	if err != nil {
		return fmt.Errorf("user: %w", err)
	}

	dialer := ws.NewDialer(ws.Config{
		URL:          cfg.Client.URL + "?user=" + string(self),
		DialTimeout:  cfg.Client.DialTimeout,
		WriteTimeout: cfg.Client.WriteTimeout,
		PingPeriod:   cfg.PingPeriod,
		ReadLimit:    cfg.ReadLimit,
	})
	b := bus.New(dialer,
		bus.WithBackoff(bus.Backoff{
			Base:        cfg.Client.Backoff.Base,
			Max:         cfg.Client.Backoff.Max,
			MaxAttempts: cfg.Client.Backoff.MaxAttempts,
			Jitter:      cfg.Client.Backoff.Jitter,
		}),
		bus.WithQueueCap(cfg.Client.QueueCap),
		bus.WithSendTimeout(cfg.Client.WriteTimeout),
		bus.WithInvalidator(logoutOnExhaustion{cancel: cancel}),
	)
	defer b.Close()
	defer b.OnStateChange(func(prev, next domain.ConnectionState) {
		log.Info().Str("module", "client").Stringer("from", prev).Stringer("to", next).Msg("connection")
	})()
	b.Start()

	f := feeds.New(b, self)
	if _, err := f.Errors(func(e domain.ServerError) {
		log.Warn().Str("module", "client").Str("code", e.Code).Str("message", e.Message).Msg("server error")
	}); err != nil {
		return err
	}
	if _, err := f.Notifications(func(n domain.Notification) {
		log.Info().Str("module", "client").Str("action", string(n.Action)).Str("from", string(n.From)).Msg("notification")
	}); err != nil {
		return err
	}
	if chat != "" {
		if _, err := f.Chat(domain.ChatID(chat), func(m domain.ChatMessage) {
			fmt.Printf("[%s] %s: %s\n", m.ChatID, m.From, m.Text)
		}); err != nil {
			return err
		}
		if say != "" {
			go func() {
				if err := f.SendChat(domain.ChatID(chat), say, "").Wait(ctx); err != nil {
					log.Warn().Str("module", "client").Err(err).Msg("chat not sent")
				}
			}()
		}
	}

	engine, err := rtc.NewEngine(rtc.Config{
		ICEServers: cfg.Call.ICEServers,
		Video:      cfg.Call.Media == "video",
	})
	if err != nil {
		return err
	}
	m := call.New(b, engine, call.Config{
		Self:            self,
		Media:           cfg.Call.Media,
		DisconnectGrace: cfg.Call.DisconnectGrace,
		EndingHold:      cfg.Call.EndingHold,
	})
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Close()

	defer m.Watch(func(v call.View) {
		log.Info().Str("module", "client").Stringer("state", v.State).Str("caller", string(v.IncomingCaller)).Msg("call")
		if autoAccept && v.State == domain.CallRingingIncoming {
			go func() {
				if err := m.Accept(ctx); err != nil {
					log.Warn().Str("module", "client").Err(err).Msg("accept")
				}
			}()
		}
	})()

	if peer != "" {
		to, err := domain.ParseUserID(peer)
		if err != nil {
			return fmt.Errorf("call: %w", err)
		}
		if _, err := b.EnsureConnected(ctx); err != nil {
			return err
		}
		if err := m.Initiate(ctx, to); err != nil {
			return err
		}
	}

	<-ctx.Done()
	if st := m.View().State; st != domain.CallIdle && st != domain.CallEnding {
		_ = m.HangUp()
	}
	return nil
}

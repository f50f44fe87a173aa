package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/conversekit/converse/internal/agenttools"
	"github.com/conversekit/converse/internal/ai"
	"github.com/conversekit/converse/internal/api"
	"github.com/conversekit/converse/internal/config"
	"github.com/conversekit/converse/internal/engine"
	"github.com/conversekit/converse/internal/heartbeat"
	"github.com/conversekit/converse/internal/outbound"
	"github.com/conversekit/converse/internal/sched"
	"github.com/conversekit/converse/internal/session"
	"github.com/conversekit/converse/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	sessions := session.NewStore(db)

	// The scheduler store and the outbound log must share one database:
	// the suppression counters count the log's rows, and with several
	// instances the caps only hold if every instance writes sends where
	// every instance counts them.
	var scheduler sched.Store
	var ledger outbound.Log
	if cfg.SchedulerDSN != "" {
		pg, err := sched.NewPGStore(context.Background(), cfg.SchedulerDSN)
		if err != nil {
			log.Fatalf("connect scheduler store: %v", err)
		}
		defer pg.Close()
		scheduler = pg
		ledger = outbound.NewPGLedger(pg.Pool())
		log.Printf("scheduler: postgres (shared outbound log)")
	} else {
		scheduler = sched.NewSQLiteStore(db)
		ledger = outbound.NewLedger(db)
		log.Printf("scheduler: sqlite at %s", cfg.DBPath)
	}

	client, err := ai.NewClient(ai.Config{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
	})
	if err != nil {
		log.Fatalf("llm client: %v", err)
	}

	toolFactory := func(sink *ai.ActionSink, req engine.CompletionRequest) []llmtools.Tool {
		var tools []llmtools.Tool
		for _, name := range req.Tools {
			switch name {
			case "react":
				tools = append(tools, agenttools.ReactTool(sink))
			case "stay_silent":
				tools = append(tools, agenttools.StaySilentTool(sink))
			case "schedule_event":
				tools = append(tools, agenttools.ScheduleEventTool(scheduler, req.ChatID))
			}
		}
		return tools
	}
	backend := ai.NewBackend(client, toolFactory)

	assembler := &engine.DefaultAssembler{
		Identity:      cfg.Identity,
		Session:       sessions,
		Ledger:        ledger,
		TokenBudget:   cfg.TokenBudget,
		Tools:         []string{"react", "stay_silent"},
		OperatorTools: []string{"schedule_event"},
	}

	eng, err := engine.New(backend, assembler, sessions, ledger, backend.Summarize, engine.Config{
		DebounceWindow:  cfg.DebounceWindow,
		BackendTimeout:  cfg.BackendTimeout,
		TokenBudget:     cfg.TokenBudget,
		PersonaReminder: cfg.PersonaReminder,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	hub := api.NewHub()
	eng.Hooks.Register(hub.Hook())

	deliver := func(ctx context.Context, evt sched.Event) (heartbeat.Delivery, error) {
		action, err := eng.ProactiveTurn(ctx, evt.ChatID, proactivePrompt(evt))
		if err != nil {
			return heartbeat.Delivery{}, err
		}
		if action.Kind != engine.ActionSendText {
			return heartbeat.Delivery{}, nil
		}
		return heartbeat.Delivery{Sent: true, Content: action.Text}, nil
	}

	loop, err := heartbeat.NewLoop(scheduler, ledger, heartbeat.Policy{
		CooldownAfterUser: cfg.Policy.CooldownAfterUser,
		MaxPerDay:         cfg.Policy.MaxPerDay,
		MaxPerWeek:        cfg.Policy.MaxPerWeek,
		IgnoredPause:      cfg.Policy.IgnoredPause,
	}, deliver, sessions.LastUserMessageAt, heartbeat.Config{
		Enabled:    cfg.Heartbeat.Enabled,
		Interval:   cfg.Heartbeat.Interval,
		Window:     cfg.Heartbeat.Window,
		Lease:      cfg.Heartbeat.Lease,
		BatchLimit: cfg.Heartbeat.BatchLimit,
		Timezone:   cfg.Heartbeat.Timezone,
		QuietStart: cfg.Heartbeat.QuietStart,
		QuietEnd:   cfg.Heartbeat.QuietEnd,
	})
	if err != nil {
		log.Fatalf("heartbeat: %v", err)
	}
	if err := loop.Start(context.Background()); err != nil {
		log.Fatalf("start heartbeat: %v", err)
	}

	apiServer := &api.Server{
		Engine:    eng,
		Sched:     scheduler,
		Sessions:  sessions,
		Ledger:    ledger,
		Hub:       hub,
		StartedAt: time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("conversed listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	loop.Stop()
	eng.Drain()
}

func proactivePrompt(evt sched.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "A scheduled %s event is due.", evt.Kind)
	if evt.Subject != "" {
		fmt.Fprintf(&sb, " Subject: %s.", evt.Subject)
	}
	sb.WriteString(" Reach out to the user about it in your own voice, or stay silent if it no longer makes sense.")
	return sb.String()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// Command runtrace starts, controls, and tails agent runs from the terminal.
//
// Usage:
//
//	runtrace [flags] start <chat-id> [objective]
//	runtrace [flags] tail <run-id>
//	runtrace [flags] cancel|pause|resume <run-id>
//
// The start command creates a run and tails it until it reaches a terminal
// status. Configuration comes from a YAML file (see config.go) with flags
// taking precedence.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	pulsesource "github.com/tracefold/runtrace/features/stream/pulse"
	clientspulse "github.com/tracefold/runtrace/features/stream/pulse/clients/pulse"
	ssesource "github.com/tracefold/runtrace/features/stream/sse"
	"github.com/tracefold/runtrace/trace"
	"github.com/tracefold/runtrace/trace/control"
	"github.com/tracefold/runtrace/trace/registry"
	"github.com/tracefold/runtrace/trace/subscribe"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		apiF    = flag.String("api", "", "Run control API base URL (overrides config)")
		redisF  = flag.String("redis", "", "Redis address for the pulse source (overrides config)")
		sourceF = flag.String("source", "", "Stream source, pulse or sse (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *apiF != "" {
		cfg.APIBaseURL = *apiF
	}
	if *redisF != "" {
		cfg.Redis.Addr = *redisF
	}
	if *sourceF != "" {
		cfg.Source = *sourceF
		if err := cfg.validate(); err != nil {
			log.Fatal(ctx, err)
		}
	}
	if cfg.APIBaseURL == "" {
		log.Fatal(ctx, fmt.Errorf("api base URL is required (set api_base_url or -api)"))
	}

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	command, target := args[0], args[1]

	ctrl, err := control.New(control.Options{BaseURL: cfg.APIBaseURL, Timeout: time.Duration(cfg.Timeout)})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Cancel the context on SIGINT and SIGTERM so tailing stops cleanly.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "start":
		objective := strings.Join(args[2:], " ")
		run, err := ctrl.Start(ctx, control.StartRequest{ChatID: target, Objective: objective})
		if err != nil {
			log.Fatal(ctx, err)
		}
		log.Print(ctx, log.KV{K: "msg", V: "run started"}, log.KV{K: "run_id", V: run.ID})
		if err := tail(ctx, cfg, run); err != nil {
			log.Fatal(ctx, err)
		}
	case "tail":
		if err := tail(ctx, cfg, trace.NewRun(target)); err != nil {
			log.Fatal(ctx, err)
		}
	case "cancel", "pause", "resume":
		op := map[string]func(context.Context, string) (*trace.Run, error){
			"cancel": ctrl.Cancel,
			"pause":  ctrl.Pause,
			"resume": ctrl.Resume,
		}[command]
		run, err := op(ctx, target)
		if err != nil {
			log.Fatal(ctx, err)
		}
		log.Print(ctx, log.KV{K: "msg", V: command + " requested"},
			log.KV{K: "run_id", V: run.ID}, log.KV{K: "status", V: string(run.Status)})
	default:
		usage()
		os.Exit(2)
	}
}

// tail subscribes to the run's event stream and renders progress until the
// run reaches a terminal status or the context ends.
func tail(ctx context.Context, cfg Config, seed *trace.Run) error {
	source, cleanup, err := newSource(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := registry.New()
	reg.Seed(seed)
	manager, err := subscribe.NewManager(subscribe.Options{Source: source, Registry: reg})
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Subscribe(ctx, seed.ID); err != nil {
		return err
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run := reg.Run(seed.ID)
			if run == nil {
				continue
			}
			if line := render(run); line != last {
				fmt.Println(line)
				last = line
			}
			if run.Status.Terminal() {
				if run.Summary != "" {
					fmt.Println(run.Summary)
				}
				if run.Error != "" {
					fmt.Println("error: " + run.Error)
				}
				return nil
			}
			if h, ok := manager.Health(seed.ID); ok && !h.Connected && h.LastError != "" {
				return fmt.Errorf("stream disconnected: %s", h.LastError)
			}
		}
	}
}

// newSource builds the configured stream source. The returned cleanup
// releases the transport resources.
func newSource(cfg Config) (subscribe.Source, func(), error) {
	switch cfg.Source {
	case sourcePulse:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		source, err := pulsesource.NewSource(pulsesource.SourceOptions{Client: client, Buffer: cfg.Buffer})
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		return source, func() { rdb.Close() }, nil
	case sourceSSE:
		source, err := ssesource.New(ssesource.Options{BaseURL: cfg.APIBaseURL, Buffer: cfg.Buffer})
		if err != nil {
			return nil, nil, err
		}
		return source, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("invalid source %q", cfg.Source)
	}
}

// render formats a one-line progress summary for the run.
func render(r *trace.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", r.Status)
	if r.Phase != "" {
		fmt.Fprintf(&b, " %s", r.Phase)
	}
	if r.Progress != nil && r.Progress.Total > 0 {
		fmt.Fprintf(&b, " step %d/%d", r.Progress.Current, r.Progress.Total)
	}
	if step := r.Step(r.CurrentStepIndex); step != nil {
		fmt.Fprintf(&b, " %s (%s)", step.Description, step.Status)
		if n := len(step.ToolCalls); n > 0 {
			fmt.Fprintf(&b, " tools=%d", n)
		}
	}
	return b.String()
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: runtrace [flags] <command> <target>

commands:
  start <chat-id> [objective]  create a run and tail it
  tail <run-id>                follow an existing run
  cancel <run-id>              request cancellation
  pause <run-id>               request a pause
  resume <run-id>              resume a paused run`)
	flag.PrintDefaults()
}

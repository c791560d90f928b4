package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/tubechat/pkg/bus/wsbridge"
	"github.com/go-go-golems/tubechat/pkg/extension"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

type healthReport struct {
	Status    string    `json:"status"`
	Backend   string    `json:"backend"`
	Connected bool      `json:"connected"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	Tabs      int       `json:"tabs"`
	Clients   int       `json:"clients"`
}

func newServeCommand() *cobra.Command {
	var (
		addr     string
		open     []string
		idleExit time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator with a websocket bridge for remote contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = appConfig.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, addr, open, idleExit)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.addr)")
	cmd.Flags().StringSliceVar(&open, "open", nil, "Videos (id or URL) to open in tabs at startup")
	cmd.Flags().DurationVar(&idleExit, "exit-when-idle", 0, "Stop once no bridge client has been connected for this long")
	return cmd
}

func runServe(ctx context.Context, addr string, open []string, idleExit time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ext, err := openExtension(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := ext.Close(); err != nil {
			log.Warn().Err(err).Msg("extension close")
		}
	}()

	for _, v := range open {
		id := youtube.Normalize(v)
		if id == "" {
			return errors.Errorf("not a video: %q", v)
		}
		tabID := ext.OpenTab(ctx, youtube.WatchURL(id))
		log.Info().Int("tab_id", tabID).Str("video_id", id).Msg("opened tab")
	}

	var bridgeOpts []wsbridge.ServerOption
	if idleExit > 0 {
		bridgeOpts = append(bridgeOpts, wsbridge.WithIdleCallback(idleExit, func() {
			log.Info().Dur("idle", idleExit).Msg("no bridge clients, shutting down")
			cancel()
		}))
	}
	bridge := wsbridge.NewServer(ext.Bus(), bridgeOpts...)
	defer bridge.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", bridge)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, ext, bridge)
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       appConfig.Server.IdleTimeout,
	}

	ext.StartHealthLoop(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", addr).Msg("serving websocket bridge at /ws")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		bridge.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown")
		}
		return nil
	})
	return eg.Wait()
}

func writeHealth(w http.ResponseWriter, ext *extension.Extension, bridge *wsbridge.Server) {
	connected, checkedAt := ext.Router().Connected()
	report := healthReport{
		Status:    "ok",
		Backend:   ext.Backend().BaseURL(),
		Connected: connected,
		CheckedAt: checkedAt,
		Tabs:      ext.Lifecycle().Registry().Len(),
		Clients:   bridge.Pool().Count(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/agentmgr"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/bridge"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/factory"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/instructions"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/metrics"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/postcall"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/telephony"
	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/tools"
	"github.com/jacky-htg/hospital-voice-bridge/libs/config"
	"github.com/jacky-htg/hospital-voice-bridge/libs/logger"
	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "new logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	stt, err := factory.NewSTT(cfg)
	if err != nil {
		return fmt.Errorf("new stt: %w", err)
	}
	tts, err := factory.NewTTS(cfg)
	if err != nil {
		return fmt.Errorf("new tts: %w", err)
	}
	llm, err := factory.NewLLM(cfg)
	if err != nil {
		return fmt.Errorf("new llm: %w", err)
	}
	dial, err := factory.NewBackendDialer(cfg)
	if err != nil {
		return fmt.Errorf("new backend dialer: %w", err)
	}

	// Open SQLite DB
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()
	if cfg.SeedFile != "" {
		n, err := st.SeedFromFile(ctx, cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		log.Info("seeded hospitals", zap.Int("created", n), zap.String("file", cfg.SeedFile))
	}

	summaries := postcall.New(llm, st, log.Named("postcall"))
	mgr := agentmgr.New(bridge.ConfigFrom(cfg), bridge.Deps{
		Dial:         dial,
		Transcriber:  stt,
		Tools:        tools.New(st, log.Named("tools")),
		Declarations: tools.Declarations(),
		Instructions: instructions.New(st),
		Calls:        st,
		TTS:          tts,
		OnEnd:        summaries.Handle,
		Log:          log.Named("session"),
	})

	rt := &routes{
		mediaStream: telephony.NewHandler(mgr, st, telephony.Options{
			TokenSecret:       cfg.StreamTokenSecret,
			DefaultHospitalID: cfg.DefaultHospitalID,
		}, log.Named("telephony")),
		hospitals:   st,
		registry:    metrics.NewRegistry(),
		tokenSecret: cfg.StreamTokenSecret,
		tokenTTL:    cfg.StreamTokenTTL,
		activeCalls: mgr.Count,
		log:         log,
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rt.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("voice bridge listening", zap.String("addr", cfg.ListenAddr), zap.String("model", cfg.Gemini.Model))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Int("active_calls", mgr.Count()))
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if serr := mgr.StopAll(sctx); serr != nil {
			log.Warn("sessions still running at shutdown", zap.Error(serr))
		}
		summaries.Wait()
		return err
	})
	return g.Wait()
}

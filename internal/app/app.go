package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"deribit-grid-bot/internal/alerts"
	"deribit-grid-bot/internal/config"
	"deribit-grid-bot/internal/deribit/rest"
	"deribit-grid-bot/internal/deribit/ws"
	"deribit-grid-bot/internal/engine"
	"deribit-grid-bot/internal/grid"
	"deribit-grid-bot/internal/metrics"
	"deribit-grid-bot/internal/state"
	"deribit-grid-bot/internal/timescale"
)

// App owns the long-lived components and runs them until the context is
// cancelled: the websocket session feeding fills, the reconciliation engine
// consuming them, the alert dispatcher, and the optional operator, metrics
// and history sidecars.
type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *state.Store
	rest       *rest.Client
	session    *ws.Session
	engine     *engine.Engine
	dispatcher *alerts.Dispatcher
	telegram   *alerts.Telegram
	journal    *alerts.Journal
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	timescale  *timescale.Writer

	verifyOnce     sync.Once
	liveCount      int
	liveMu         sync.Mutex
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	clientID := strings.TrimSpace(os.Getenv("DERIBIT_CLIENT_ID"))
	if clientID == "" {
		return nil, errors.New("DERIBIT_CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("DERIBIT_CLIENT_SECRET"))
	if clientSecret == "" {
		return nil, errors.New("DERIBIT_CLIENT_SECRET is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
		return nil, err
	}
	store, err := state.Load(cfg.State.Path)
	if err != nil {
		// A corrupt state file means the tracked orders are unknown; placing
		// new ones on top of them would double the exposure.
		return nil, err
	}

	session := ws.New(ws.Config{
		URL:            cfg.WS.URL,
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		Instrument:     cfg.Grid.Instrument,
		ReconnectDelay: cfg.WS.ReconnectDelay,
		PingInterval:   cfg.WS.PingInterval,
		CallTimeout:    cfg.WS.CallTimeout,
	}, log)
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, session, log)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.ListenAddr != "" {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	telegram := alerts.NewTelegram(cfg.Alerts.Telegram, log)
	var targets []alerts.Target
	if cfg.Alerts.Telegram.Enabled {
		targets = append(targets, telegram)
	}
	var journal *alerts.Journal
	if cfg.Alerts.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Alerts.JournalPath), 0o755); err != nil {
			return nil, err
		}
		journal, err = alerts.NewJournal(cfg.Alerts.JournalPath)
		if err != nil {
			return nil, err
		}
		targets = append(targets, journal)
	}
	dispatcher := alerts.NewDispatcher(cfg.Alerts.QueueSize, log, targets...)

	gridCfg := grid.Config{
		Instrument:   cfg.Grid.Instrument,
		ATH:          cfg.Grid.ATH,
		StepFraction: cfg.Grid.StepFraction,
		RoundingUnit: cfg.Grid.RoundingUnit,
		MaxSteps:     cfg.Grid.MaxSteps,
		OrderSize:    cfg.Grid.OrderSize,
		WindowSize:   cfg.Grid.WindowSize,
	}
	eng := engine.New(gridCfg, store, restClient, dispatcher, m, log, cfg.Grid.QueueSize)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		rest:       restClient,
		session:    session,
		engine:     eng,
		dispatcher: dispatcher,
		telegram:   telegram,
		journal:    journal,
		metrics:    m,
		prom:       prom,
		timescale:  writer,
	}
	a.wireSession()
	a.wireHistory()
	return a, nil
}

func (a *App) wireSession() {
	a.session.OnFill(func(update ws.OrderUpdate) {
		a.engine.EnqueueFill(update.OrderID)
	})
	a.session.OnLive(func() {
		a.liveMu.Lock()
		a.liveCount++
		reconnected := a.liveCount > 1
		a.liveMu.Unlock()
		if reconnected {
			a.metrics.Reconnects.Inc()
		}
		// Tracked orders may have filled or been cancelled while the process
		// was down; check once per process, on the first live connection.
		a.verifyOnce.Do(func() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := a.engine.VerifyAgainstVenue(ctx); err != nil {
					a.log.Warn("startup order verification failed", zap.Error(err))
				}
			}()
		})
	})
}

func (a *App) wireHistory() {
	if a.timescale == nil {
		return
	}
	a.engine.OnFill(func(filled grid.FilledOrder) {
		a.timescale.EnqueueFill(timescale.FillRecord{
			Time:       filled.FilledAt,
			Instrument: a.cfg.Grid.Instrument,
			Label:      filled.Label,
			Direction:  string(filled.Direction),
			StepIndex:  filled.StepIndex,
			Trigger:    filled.TriggerPrice,
			OrderID:    filled.VenueOrderID,
		})
	})
	a.engine.OnPass(func(report engine.PassReport) {
		a.timescale.EnqueueSnapshot(timescale.WindowSnapshot{
			Time:        time.Now().UTC(),
			Instrument:  a.cfg.Grid.Instrument,
			LastPrice:   report.Price,
			ActiveBuys:  report.ActiveBuys,
			ActiveSells: report.ActiveSells,
			WantBuys:    report.WantBuys,
			WantSells:   report.WantSells,
			Errors:      report.Failures,
		})
	})
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.journal != nil {
		defer a.journal.Close()
	}
	if a.timescale != nil {
		a.timescale.Start(ctx)
		defer a.timescale.Close()
	}

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if a.prom != nil && a.cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.prom.Handler())
		metricsSrv = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics server failed", zap.Error(err))
			}
		}()
	}

	a.startOperator(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errCh:
		runErr = err
	}
	cancel()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	wg.Wait()
	return runErr
}

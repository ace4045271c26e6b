// Package app wires the daemon together: store, delivery channel, reminder
// scheduler, background sync, alarm supervisor, HTTP API and the optional
// Telegram sink.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/alarm"
	"github.com/mpalomar/dosewatch/internal/alert"
	"github.com/mpalomar/dosewatch/internal/api"
	"github.com/mpalomar/dosewatch/internal/channels/telegram"
	"github.com/mpalomar/dosewatch/internal/config"
	"github.com/mpalomar/dosewatch/internal/ledger"
	"github.com/mpalomar/dosewatch/internal/metrics"
	"github.com/mpalomar/dosewatch/internal/projector"
	"github.com/mpalomar/dosewatch/internal/reminder"
	"github.com/mpalomar/dosewatch/internal/schedule"
	"github.com/mpalomar/dosewatch/internal/store"
	"github.com/mpalomar/dosewatch/internal/syncer"
	"github.com/mpalomar/dosewatch/internal/tui"
)

// App holds the application components.
type App struct {
	Config     *config.Config
	Store      *store.Store
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Channel    *alert.TimerChannel
	Scheduler  *reminder.Scheduler
	Supervisor *alarm.Supervisor
	Syncer     *syncer.Syncer
	Server     *api.Server
	Telegram   *telegram.Bot

	subMu       sync.Mutex
	subscribers []func(alarm.Snapshot)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New assembles the daemon from configuration.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger) (*App, error) {
	m := metrics.New()

	channel := alert.NewTimerChannel(logger)
	sched := reminder.NewScheduler(channel, logger, m)

	ledgerClient := ledger.NewClient(
		cfg.Remote.LedgerBaseURL,
		cfg.Remote.APIToken,
		time.Duration(cfg.Remote.TimeoutSeconds)*time.Second,
		logger,
	)
	scheduleClient := schedule.NewClient(
		cfg.Remote.ScheduleBaseURL,
		cfg.Remote.APIToken,
		time.Duration(cfg.Remote.TimeoutSeconds)*time.Second,
		logger,
	)

	supervisor := alarm.NewSupervisor(
		alarm.SupervisorConfig{
			GracePeriod:   time.Duration(cfg.Alarm.GraceMinutes) * time.Minute,
			QueueCapacity: cfg.Alarm.QueueCapacity,
		},
		ledgerClient, st, st, logger, m,
	)

	syncTask := syncer.New(
		syncer.Config{
			PatientID: cfg.Patient.ID,
			Interval:  time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
			Lookahead: time.Duration(cfg.Sync.LookaheadHours) * time.Hour,
			ActivityWindow: projector.ActivityWindow{
				StartHour: cfg.Alarm.ActivityStartHour,
				EndHour:   cfg.Alarm.ActivityEndHour,
			},
		},
		scheduleClient, st, sched, logger, m,
	)

	bot, err := telegram.NewBot(telegram.Config{
		Token:   cfg.Telegram.BotToken,
		Enabled: cfg.Telegram.Enabled,
		ChatID:  cfg.Telegram.ChatID,
	}, supervisor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	app := &App{
		Config:     cfg,
		Store:      st,
		Logger:     logger,
		Metrics:    m,
		Channel:    channel,
		Scheduler:  sched,
		Supervisor: supervisor,
		Syncer:     syncTask,
		Telegram:   bot,
		stopCh:     make(chan struct{}),
	}

	app.Server = api.New(cfg, st, supervisor, sched, syncTask, m, logger)

	supervisor.SetOnChange(app.broadcast)
	app.Subscribe(func(snap alarm.Snapshot) {
		switch {
		case snap.State == alarm.StateFired:
			bot.NotifyFired(snap)
		case snap.State.Terminal():
			bot.NotifyOutcome(snap)
		}
	})

	return app, nil
}

// Subscribe registers a listener for alarm session state changes. Listeners
// run on the session's goroutine and must not block.
func (app *App) Subscribe(fn func(alarm.Snapshot)) {
	app.subMu.Lock()
	app.subscribers = append(app.subscribers, fn)
	app.subMu.Unlock()
}

func (app *App) broadcast(snap alarm.Snapshot) {
	app.subMu.Lock()
	listeners := append([]func(alarm.Snapshot){}, app.subscribers...)
	app.subMu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Run starts all components and blocks until a termination signal. When
// withUI is set the full-screen alarm surface owns the terminal and exiting
// it shuts the daemon down.
func (app *App) Run(withUI bool) error {
	// a session interrupted by the previous shutdown comes back first, so
	// its grace deadline is enforced before any new alarm can fire
	if restored, err := app.Supervisor.RestoreFromStore(); err != nil {
		app.Logger.Error("Failed to restore alarm session", zap.Error(err))
	} else if restored != nil {
		app.Logger.Info("Restored alarm session from previous run",
			zap.String("item", restored.Snapshot().ItemName))
		app.Telegram.NotifyFired(restored.Snapshot())
	}

	app.wg.Add(1)
	go app.consumeFired()

	if err := app.Syncer.ArmFromCache(); err != nil {
		app.Logger.Warn("Failed to arm reminders from cache", zap.Error(err))
	}
	if err := app.Syncer.Start(); err != nil {
		return fmt.Errorf("failed to start sync task: %w", err)
	}

	if err := app.Telegram.Start(); err != nil {
		app.Logger.Error("Failed to start Telegram bot", zap.Error(err))
	}

	go func() {
		if err := app.Server.Start(); err != nil {
			app.Logger.Fatal("Server error", zap.Error(err))
		}
	}()
	app.Logger.Info("Server started",
		zap.String("address", app.Config.Server.Address),
		zap.Int("port", app.Config.Server.Port),
	)

	app.Config.Watch(func(alarmCfg config.AlarmConfig, syncCfg config.SyncConfig) {
		app.Logger.Info("Configuration reloaded")
		app.Supervisor.SetGracePeriod(time.Duration(alarmCfg.GraceMinutes) * time.Minute)
		app.Syncer.SetInterval(time.Duration(syncCfg.IntervalMinutes) * time.Minute)
		app.Syncer.SetLookahead(time.Duration(syncCfg.LookaheadHours) * time.Hour)
	})

	if withUI {
		if err := tui.Run(app.Supervisor, app.Subscribe); err != nil {
			app.Logger.Error("Alarm UI error", zap.Error(err))
		}
	} else {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
	}

	app.shutdown()
	return nil
}

// consumeFired moves fired alerts from the delivery channel into alarm
// sessions.
func (app *App) consumeFired() {
	defer app.wg.Done()

	for {
		select {
		case <-app.stopCh:
			return
		case ev, ok := <-app.Channel.Fired():
			if !ok {
				return
			}
			app.Scheduler.MarkFired(ev.Key)

			if _, err := app.Supervisor.HandleFired(ev); err != nil {
				app.Logger.Info("Fire not presented immediately",
					zap.String("key", ev.Key), zap.Error(err))
			}
		}
	}
}

func (app *App) shutdown() {
	app.Logger.Info("Shutting down...")

	app.Syncer.Stop()
	app.Channel.Close()
	app.Telegram.Stop()

	close(app.stopCh)
	app.wg.Wait()

	if err := app.Server.Shutdown(); err != nil {
		app.Logger.Error("Server shutdown error", zap.Error(err))
	}
	if err := app.Store.Close(); err != nil {
		app.Logger.Error("Store close error", zap.Error(err))
	}
}

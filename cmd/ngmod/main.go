package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/iamwavecut/ngmod/internal/adapters/telegram"
	"github.com/iamwavecut/ngmod/internal/bot"
	"github.com/iamwavecut/ngmod/internal/config"
	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/db/sqlite"
	"github.com/iamwavecut/ngmod/internal/event"
	"github.com/iamwavecut/ngmod/internal/infra"
	"github.com/iamwavecut/ngmod/internal/lifecycle"
	"github.com/iamwavecut/ngmod/internal/observability"
	"github.com/iamwavecut/ngmod/internal/patterns"
	"github.com/iamwavecut/ngmod/internal/phash"
	"github.com/iamwavecut/ngmod/internal/ratewindow"
)

const dispatcherQueueSize = 256

func main() {
	app := cli.App{
		Name:   "ngmod",
		Usage:  "real-time moderation engine for group chats",
		Action: runBot,
		Before: setupLogging,
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "run the moderation bot",
			Action: runBot,
		},
		{
			Name:  "hashes",
			Usage: "manage reference image hashes",
			Subcommands: []*cli.Command{
				{
					Name:      "add",
					Usage:     "register a hex hash or the hash of an image file",
					ArgsUsage: "<hash|image-path>",
					Flags: []cli.Flag{
						&cli.Int64Flag{Name: "chat", Usage: "chat id; omit for a global hash"},
						&cli.StringFlag{Name: "action", Value: "ban", Usage: "ban or delete"},
						&cli.StringFlag{Name: "category", Value: "spam"},
					},
					Action: runHashesAdd,
				},
				{
					Name:      "remove",
					Usage:     "delete a reference hash by id",
					ArgsUsage: "<id>",
					Action:    runHashesRemove,
				},
			},
		},
		{
			Name:  "templates",
			Usage: "manage spam templates",
			Subcommands: []*cli.Command{
				{
					Name:      "import",
					Usage:     "import templates from a YAML file, or the bundled set",
					ArgsUsage: "[path]",
					Action:    runTemplatesImport,
				},
			},
		},
	}
	app.RunAndExitOnError()
}

func setupLogging(*cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.SetFormatter(&config.LogFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.Level(cfg.LogLevel))
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (db.Client, error) {
	dir, err := infra.WorkDir(cfg.DotPath)
	if err != nil {
		return nil, err
	}
	return sqlite.NewSQLiteClient(ctx, dir, cfg.DBFile)
}

func openRates(ctx context.Context, cfg config.RateStore) (ratewindow.Store, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return ratewindow.NewMemStore(), func() {}, nil
	case "redis":
		store, err := ratewindow.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate store backend %q", cfg.Backend)
	}
}

func runBot(cctx *cli.Context) error {
	cfg := config.Get()
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TelegramAPIToken == "" {
		return errors.New("NG_TOKEN is required")
	}
	botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		return errors.WithMessage(err, "cant initialize bot api")
	}
	if log.Level(cfg.LogLevel) == log.TraceLevel {
		botAPI.Debug = true
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return errors.WithMessage(err, "cant open database")
	}
	defer func() { _ = store.Close() }()

	rates, closeRates, err := openRates(ctx, cfg.RateStore)
	if err != nil {
		return errors.WithMessage(err, "cant open rate store")
	}
	defer closeRates()

	client := telegram.NewClient(botAPI, cfg.Platform.RequestsPerSecond)
	presenter := telegram.NewPresenter(client, cfg.Platform.LogChannelUsername)
	service, err := bot.NewService(bot.Deps{
		Config:    cfg,
		Store:     store,
		Rates:     rates,
		Platform:  client,
		Presenter: presenter,
		Members:   client,
		Reporter:  presenter,
	})
	if err != nil {
		return err
	}
	if cfg.Detection.TemplatesFile != "" {
		if err := importTemplates(ctx, service, cfg.Detection.TemplatesFile); err != nil {
			log.WithField("error", err.Error()).Warn("templates file not imported")
		}
	}

	dispatcher := event.NewDispatcher(cfg.Platform.DispatcherWorkers, dispatcherQueueSize)
	telegram.Subscribe(dispatcher, telegram.NewProcessor(service, client, cfg.EnabledHandlers...))

	runtime := lifecycle.NewRuntime()
	runtime.Register("metrics", observability.NewServer(cfg.MetricsAddr))
	runtime.Register("housekeeper", bot.NewHousekeeper(service, cfg.HousekeepingInterval))
	runtime.Register("dispatcher", dispatcher)
	runtime.Register("poller", telegram.NewPoller(botAPI, store, dispatcher))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-infra.MonitorExecutable(runCtx):
			log.Warn("executable file was modified, restarting")
			cancel()
		case <-runCtx.Done():
		}
	}()

	log.WithField("bot", botAPI.Self.UserName).Info("moderation engine running")
	return runtime.Run(runCtx)
}

func runHashesAdd(cctx *cli.Context) error {
	arg := cctx.Args().First()
	if arg == "" {
		return errors.New("need a hash or an image path")
	}
	hash := phash.Normalize(arg)
	if !phash.ValidHash(hash) {
		f, err := os.Open(arg)
		if err != nil {
			return errors.WithMessage(err, "not a hash and not a readable image")
		}
		defer f.Close()
		if hash, err = phash.HashReader(f); err != nil {
			return err
		}
	}

	cfg := config.Get()
	store, err := openStore(cctx.Context, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ref := &db.ReferenceHash{
		Hash:     hash,
		Scope:    db.HashScopeGlobal,
		Category: cctx.String("category"),
		Action:   cctx.String("action"),
	}
	if chatID := cctx.Int64("chat"); chatID != 0 {
		ref.Scope = db.HashScopeChat
		ref.ChatID = chatID
	}
	stored, err := phash.NewMatcher(store, 1, 0).Add(cctx.Context, ref)
	if err != nil {
		return err
	}
	fmt.Printf("added reference hash #%d %s (%s, %s)\n", stored.ID, stored.Hash, stored.Scope, stored.Action)
	return nil
}

func runHashesRemove(cctx *cli.Context) error {
	id, err := strconv.ParseInt(cctx.Args().First(), 10, 64)
	if err != nil || id <= 0 {
		return errors.New("need a reference hash id")
	}

	cfg := config.Get()
	store, err := openStore(cctx.Context, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := phash.NewMatcher(store, 1, 0).Remove(cctx.Context, id); err != nil {
		return errors.WithMessagef(err, "remove reference hash #%d", id)
	}
	fmt.Printf("removed reference hash #%d\n", id)
	return nil
}

func runTemplatesImport(cctx *cli.Context) error {
	cfg := config.Get()
	store, err := openStore(cctx.Context, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	templates, err := loadTemplates(cctx.Args().First())
	if err != nil {
		return err
	}
	n, err := patterns.Import(cctx.Context, store, templates)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d templates\n", n)
	return nil
}

func importTemplates(ctx context.Context, service *bot.Service, path string) error {
	templates, err := loadTemplates(path)
	if err != nil {
		return err
	}
	n, err := service.ImportTemplates(ctx, templates)
	if err != nil {
		return err
	}
	log.WithField("count", n).WithField("path", path).Info("templates imported")
	return nil
}

func loadTemplates(path string) ([]*db.SpamTemplate, error) {
	if path == "" {
		return patterns.LoadDefault()
	}
	return patterns.LoadFile(path)
}

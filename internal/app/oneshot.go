package app

import (
	"context"
	"io"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/notifier"
	"reminderd/internal/reminders"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

// Export writes the stored reminders as CSV without starting the bot.
func Export(ctx context.Context, cfgPath string, w io.Writer) error {
	return offline(ctx, cfgPath, func(ctx context.Context, rem *reminders.Service) error {
		return rem.Export(w)
	})
}

// Import replaces the stored reminders with a CSV export. Run it while the
// daemon is stopped: a running daemon keeps its own copy of the document.
func Import(ctx context.Context, cfgPath string, r io.Reader) error {
	return offline(ctx, cfgPath, func(ctx context.Context, rem *reminders.Service) error {
		_, err := rem.Import(ctx, r)
		return err
	})
}

func offline(ctx context.Context, cfgPath string, fn func(context.Context, *reminders.Service) error) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	_, log := logx.New(logx.Config{Level: "warn", Console: true}, nil)

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	kv, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	defer kv.Close()

	loc, err := cfg.Reminders.Location()
	if err != nil {
		return err
	}
	exec := engine.New(engine.Config{}, log, nil)
	exec.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = exec.Stop(sctx)
	}()

	rem := reminders.New(reminders.Options{
		KV:         kv,
		Exec:       exec,
		Dispatcher: notifier.NewLog(log, nil),
		Log:        log.With(logx.String("comp", "reminders")),
		Location:   loc,
	})
	if err := rem.Start(ctx); err != nil {
		return err
	}
	defer rem.Stop(context.WithoutCancel(ctx))
	return fn(ctx, rem)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"reminderd/internal/app"
)

func main() {
	var cfgPath, exportPath, importPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&exportPath, "export", "", "write reminders as CSV to this file (- for stdout) and exit")
	flag.StringVar(&importPath, "import", "", "replace reminders with this CSV export and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case exportPath != "":
		if err := runExport(ctx, cfgPath, exportPath); err != nil {
			fatal("export", err)
		}
		return
	case importPath != "":
		f, err := os.Open(importPath)
		if err != nil {
			fatal("import", err)
		}
		defer f.Close()
		if err := app.Import(ctx, cfgPath, f); err != nil {
			fatal("import", err)
		}
		fmt.Println("reminders imported from", importPath)
		return
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fatal("init", err)
	}
	if err := a.Start(ctx); err != nil {
		fatal("start", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runExport(ctx context.Context, cfgPath, path string) error {
	if path == "-" {
		return app.Export(ctx, cfgPath, os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := app.Export(ctx, cfgPath, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "fatal %s: %v\n", stage, err)
	os.Exit(1)
}

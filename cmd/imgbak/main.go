package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/logx"
	"github.com/imgbak/imgbak/internal/manifest"
	"github.com/imgbak/imgbak/internal/provider"

	_ "github.com/imgbak/imgbak/internal/provider/azure"
	_ "github.com/imgbak/imgbak/internal/provider/cos"
	_ "github.com/imgbak/imgbak/internal/provider/github"
	_ "github.com/imgbak/imgbak/internal/provider/imgur"
	_ "github.com/imgbak/imgbak/internal/provider/oss"
	_ "github.com/imgbak/imgbak/internal/provider/smms"
)

// Test seams — overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig  func() (config.Config, error)                               = config.Load
	openStore   func(path string) (*manifest.Store, error)                  = manifest.Open
	newProvider func(provider.Kind, config.Config) (provider.Provider, error) = provider.New
	exit        func(int)                                                      = os.Exit
)

// usageError marks input problems the user can fix on the command line.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// main wires CLI -> config -> providers -> orchestrator.
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	ctx := withSignals(context.Background())
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		var uerr *usageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(os.Stderr, "error:", uerr.msg)
			exit(2)
			return
		}
		log.Error().Err(err).Msg("command failed")
		exit(1)
	}
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}

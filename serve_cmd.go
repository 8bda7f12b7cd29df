package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/dgnsrekt/ttsdispatch/internal/dispatch"
	"github.com/dgnsrekt/ttsdispatch/internal/natsworker"
	"github.com/dgnsrekt/ttsdispatch/internal/server"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the dispatch daemon",
	Long:    paragraph(fmt.Sprintf("\n%s the dispatcher over HTTP and, when a NATS URL is configured, as a queue-group worker on NATS.", keyword("Serve"))),
	Example: paragraph("ttsd serve\nttsd serve --listen :9000 --nats nats://localhost:4222"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, s)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address")
	serveCmd.Flags().String("nats", "", "NATS server URL (empty disables the NATS worker)")
	serveCmd.Flags().String("strategy", "", "retry delay strategy: constant or exponential")
	serveCmd.Flags().Bool("watch", true, "reload the dispatch configuration when the file changes")
	serveCmd.Flags().Bool("no-cache", false, "disable the response cache")

	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("nats.url", serveCmd.Flags().Lookup("nats"))
	_ = viper.BindPFlag("retry.strategy", serveCmd.Flags().Lookup("strategy"))
	_ = viper.BindPFlag("watch", serveCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("cache.disabled", serveCmd.Flags().Lookup("no-cache"))
}

func serve(ctx context.Context, s settings) error {
	// The scrape-time gauges read st, which is assigned before the
	// server starts.
	var st *stack
	metrics := server.NewMetrics(
		func() int { return st.state.ActiveCount() },
		func() ttypes.ServiceStatus { return st.state.Status() },
	)
	st, err := newStack(s, dispatch.WithObserver(metrics))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Shutdown", "err", err)
		}
	}()

	st.dispatcher.Start()
	log.Info("Dispatcher started", "config", st.store.Path(), "strategy", s.Strategy)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Component stopped", "component", name, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	if s.Watch {
		run("watch", st.store.Watch)
	}

	run("http", server.New(s.Listen, st.dispatcher, st.store, metrics).ListenAndServe)

	if s.NatsURL != "" {
		nc, err := nats.Connect(s.NatsURL, nats.Name(config.AppName))
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("unable to connect to NATS: %w", err)
		}
		defer nc.Close()
		w := natsworker.New(nc, st.dispatcher, natsworker.Options{
			Subject:       s.NatsSubject,
			Queue:         s.NatsQueue,
			MaxConcurrent: s.NatsConcurrent,
		})
		run("nats", w.Run)
	}

	<-ctx.Done()
	log.Info("Shutting down")
	wg.Wait()
	return errors.Join(errs...)
}

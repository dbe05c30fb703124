package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"paged-vllm-go/pagedvllm"
	"paged-vllm-go/server"
)

const shutdownTimeout = 10 * time.Second

func ServeHandler(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, tokenizer, err := newBackend(ctx, settings)
	if err != nil {
		return err
	}

	engine, err := pagedvllm.NewEngine(settings.Engine, exec, tokenizer)
	if err != nil {
		exec.Close()
		return err
	}
	defer engine.Close()

	ln, err := net.Listen("tcp", settings.Server.Host)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           server.New(engine, settings.Server.Origins).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"addr":           ln.Addr().String(),
		"model":          settings.Engine.Model,
		"executor":       settings.Executor.Kind,
		"gpu_blocks":     settings.Engine.DeviceBlocks(),
		"cpu_blocks":     settings.Engine.SwapBlocks(),
		"block_size":     settings.Engine.BlockSize,
		"preemption":     settings.Engine.PreemptionMode,
		"prefix_caching": settings.Engine.EnablePrefixCaching,
	}).Info("listening")

	// the engine outlives the listener so in-flight requests can finish
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		defer cancelRun()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// tschd runs a simulated TSCH network: the configured nodes share an
// in-memory radio medium inside one process, associate over the air and
// exchange frames until interrupted. It is the integration harness for the
// MAC core.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsch-platform/gotsch/frame"
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/logging"
	"github.com/tsch-platform/gotsch/metrics"
	"github.com/tsch-platform/gotsch/radio"
	"github.com/tsch-platform/gotsch/rtimer"
	"github.com/tsch-platform/gotsch/trace"
	"github.com/tsch-platform/gotsch/tsch"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "tschd",
	Short: "Simulated TSCH mesh: slotted, channel-hopping MAC nodes on a shared medium",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	clock := rtimer.NewSystemClock(cfg.Nodes[0].Timing.TickDuration)
	medium := radio.NewSimMedium(clock)
	registry := prometheus.NewRegistry()

	nodes := make([]*tsch.Node, 0, len(cfg.Nodes))
	tracers := make([]*trace.Writer, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		tracer, err := trace.New(nc.Trace)
		if err != nil {
			return err
		}
		tracers = append(tracers, tracer)

		node, err := tsch.New(nc.Config,
			clock.Clone(),
			medium.Attach(),
			frame.NewCodec(nc.Address),
			tsch.WithLog(log),
			tsch.WithMetrics(metrics.New(registry, nc.Address.String())),
			tsch.WithTrace(tracer),
			tsch.WithHooks(tsch.Hooks{
				Receive: receiveLogger(log, nc.Config),
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to build node %s: %w", nc.Address, err)
		}
		nodes = append(nodes, node)
	}
	defer func() {
		for _, tracer := range tracers {
			_ = tracer.Close()
		}
	}()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsEndpoint != "" {
		server := &http.Server{
			Addr:    cfg.MetricsEndpoint,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		wg.Go(func() error {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		wg.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
		log.Infof("serving metrics on %s", cfg.MetricsEndpoint)
	}

	for _, node := range nodes {
		node := node
		wg.Go(func() error {
			return node.Run(ctx)
		})
	}
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received or
// the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLogger prints delivered payloads; the daemon has no network layer
// above the MAC.
func receiveLogger(log *zap.SugaredLogger, cfg tsch.Config) func(src lladdr.Address, payload []byte, meta tsch.RxMeta) {
	return func(src lladdr.Address, payload []byte, meta tsch.RxMeta) {
		log.Infow("frame delivered",
			zap.Stringer("node", cfg.Address),
			zap.Stringer("src", src),
			zap.Int("len", len(payload)),
			zap.Stringer("asn", meta.ASN),
			zap.Int16("rssi", meta.RSSI))
	}
}

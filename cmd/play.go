package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/logscope/logscope/player"
	"github.com/logscope/logscope/player/trace"
)

var (
	playTopics      []string // Topics to play; all when empty
	playSpeed       float64  // Playback speed multiplier
	playSeek        float64  // Start offset in seconds from the beginning of the data
	playMetricsAddr string   // Address for the Prometheus /metrics endpoint
	playTrace       string   // Decision trace level
	playQuiet       bool     // Suppress per-message output
)

// playCmd plays logs to stdout in real time
var playCmd = &cobra.Command{
	Use:   "play <file>...",
	Short: "Play logs in real time, printing each delivered message",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		if playTrace != "" {
			if !trace.IsValidTraceLevel(playTrace) {
				return fmt.Errorf("unknown trace level %q", playTrace)
			}
			cfg.TraceLevel = playTrace
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPlay(ctx, cfg, cmd.OutOrStdout())
	},
}

func runPlay(ctx context.Context, cfg player.Config, out io.Writer) error {
	reg := prometheus.NewRegistry()
	pt := trace.NewPlaybackTrace(trace.TraceConfig{Level: trace.TraceLevel(cfg.TraceLevel)})
	opts := []player.Option{player.WithRegisterer(reg), player.WithTrace(pt)}
	if len(playTopics) == 0 {
		opts = append(opts, player.WithSubscribeAll())
	}
	p, err := player.New(cfg, opts...)
	if err != nil {
		return err
	}

	if playMetricsAddr != "" {
		srv := &http.Server{Addr: playMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("metrics server: %v", err)
			}
		}()
		defer func() { _ = srv.Close() }()
		logrus.Infof("serving metrics on %s/metrics", playMetricsAddr)
	}

	// Commands are applied by the session loop, so start it first.
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	ended := make(chan struct{}, 1)
	failed := make(chan player.Alert, 1)
	if err := p.SetListener(func(st player.PlayerState) {
		if !playQuiet {
			for _, m := range st.Messages {
				_, _ = fmt.Fprintf(out, "%v\t%s\t%d bytes\n", m.ReceiveTime, m.Topic, m.Size())
			}
		}
		if st.Status == player.StateErrored && len(st.Alerts) > 0 {
			select {
			case failed <- st.Alerts[len(st.Alerts)-1]:
			default:
			}
		}
	}); err != nil {
		return err
	}
	if err := p.OnEndReached(func() {
		select {
		case ended <- struct{}{}:
		default:
		}
	}); err != nil {
		return err
	}
	if len(playTopics) > 0 {
		subs := make([]player.Subscription, 0, len(playTopics))
		for _, t := range playTopics {
			subs = append(subs, player.Subscription{Topic: strings.TrimSpace(t), Preload: player.PreloadFull})
		}
		if err := p.SetSubscriptions(subs); err != nil {
			return err
		}
	}
	if err := p.SetPlaybackSpeed(playSpeed); err != nil {
		return err
	}
	if playSeek > 0 {
		if err := seekFromStart(ctx, p, playSeek); err != nil {
			return err
		}
	}
	if err := p.StartPlayback(); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ended:
		logrus.Info("playback reached the end")
	case a := <-failed:
		runErr = fmt.Errorf("playback failed: %s", a.Message)
	case <-ctx.Done():
	case <-p.Done():
	}
	if st, err := p.Snapshot(); err == nil {
		logrus.Infof("stopped at %v, cache %d bytes in %d ranges", st.CurrentTime, st.CacheBytes, len(st.LoadedRanges))
	}
	_ = p.Close()
	if pt.Enabled() {
		printTraceSummary(out, trace.Summarize(pt))
	}
	return runErr
}

// seekFromStart waits for the session to learn its range, then seeks.
func seekFromStart(ctx context.Context, p *player.Player, offset float64) error {
	for {
		st, err := p.Snapshot()
		if err != nil {
			return err
		}
		switch st.Status {
		case player.StateErrored:
			return errors.New("player failed to initialize")
		case player.StateIdle, player.StatePlaying, player.StateSeeking:
			return p.SeekPlayback(st.StartTime + player.TimeFromSeconds(offset))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func printTraceSummary(w io.Writer, s *trace.TraceSummary) {
	_, _ = fmt.Fprintln(w, "=== Playback Trace ===")
	_, _ = fmt.Fprintf(w, "Seeks: %d\n", s.Seeks)
	_, _ = fmt.Fprintf(w, "Backfills: %d applied, %d dropped (cache answered %.0f%%)\n", s.BackfillsApplied, s.BackfillsDropped, s.CacheAnswerRatio*100)
	_, _ = fmt.Fprintf(w, "Evictions: %d (%d bytes)\n", s.Evictions, s.EvictedBytes)
	_, _ = fmt.Fprintf(w, "Stalls: %d (%d partial)\n", s.Stalls, s.PartialAdvances)
}

func init() {
	playCmd.Flags().StringSliceVar(&playTopics, "topics", nil, "Comma-separated topics to play (all when empty)")
	playCmd.Flags().Float64Var(&playSpeed, "speed", 1.0, "Playback speed multiplier")
	playCmd.Flags().Float64Var(&playSeek, "seek", 0, "Start offset in seconds from the beginning of the data")
	playCmd.Flags().StringVar(&playMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	playCmd.Flags().StringVar(&playTrace, "trace", "", "Decision trace level (none, decisions)")
	playCmd.Flags().BoolVar(&playQuiet, "quiet", false, "Do not print delivered messages")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/collabd/internal/gateway"
)

// probeConfig configures a probe run.
type probeConfig struct {
	URL         string
	Clients     int
	Concurrency int
	ClientID    string // prefix, suffixed with the client index
	UserID      string
	Room        string // joined by every accepted client when set
	Timeout     time.Duration
	Hold        time.Duration // how long accepted clients stay connected
}

// probeResult tallies a probe run.
type probeResult struct {
	Accepted int
	Rejected map[int]int // by HTTP status
	Failed   int
	Workers  map[int]int // accepted clients per worker
	Joined   int
}

func newProbeCmd() *cobra.Command {
	cfg := probeConfig{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open N gateway connections and report how many were admitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			res, err := runProbe(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			printProbe(cmd.OutOrStdout(), cfg, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.URL, "url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	cmd.Flags().IntVarP(&cfg.Clients, "n", "n", 10, "number of clients")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 16, "parallel dials")
	cmd.Flags().StringVar(&cfg.ClientID, "client-id", "probe", "client id prefix")
	cmd.Flags().StringVar(&cfg.UserID, "user-id", "", "user id sent with every client")
	cmd.Flags().StringVar(&cfg.Room, "room", "", "room every accepted client joins")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "per-client dial and reply timeout")
	cmd.Flags().DurationVar(&cfg.Hold, "hold", 0, "keep accepted clients connected this long")
	return cmd
}

// runProbe dials every client, then closes the accepted ones after Hold.
func runProbe(ctx context.Context, cfg probeConfig, logger *slog.Logger) (probeResult, error) {
	if cfg.Clients < 1 {
		return probeResult{}, errors.New("probe: n must be >= 1")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	res := probeResult{Rejected: make(map[int]int), Workers: make(map[int]int)}
	var (
		mu      sync.Mutex
		clients []*gateway.Client
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := 0; i < cfg.Clients; i++ {
		id := fmt.Sprintf("%s-%d", cfg.ClientID, i)
		g.Go(func() error {
			c, workerID, joined, err := probeOne(gctx, cfg, id, logger)

			mu.Lock()
			defer mu.Unlock()
			var rej *gateway.RejectedError
			switch {
			case err == nil:
				res.Accepted++
				res.Workers[workerID]++
				if joined {
					res.Joined++
				}
				clients = append(clients, c)
			case errors.As(err, &rej):
				res.Rejected[rej.StatusCode]++
			default:
				res.Failed++
				logger.Warn("probe client failed", "client_id", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	if cfg.Hold > 0 && len(clients) > 0 {
		select {
		case <-time.After(cfg.Hold):
		case <-ctx.Done():
		}
	}
	for _, c := range clients {
		c.Close()
	}
	return res, nil
}

// probeOne dials one client and waits for its welcome, and its join reply
// when a room is set.
func probeOne(ctx context.Context, cfg probeConfig, id string, logger *slog.Logger) (*gateway.Client, int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	c, err := gateway.Dial(ctx, gateway.ClientConfig{URL: cfg.URL, ClientID: id, UserID: cfg.UserID}, logger)
	if err != nil {
		return nil, 0, false, err
	}

	welcome, err := c.Next(ctx)
	if err != nil {
		c.Close()
		return nil, 0, false, fmt.Errorf("await welcome: %w", err)
	}
	if cfg.Room == "" {
		return c, welcome.WorkerID, false, nil
	}

	if err := c.Send(gateway.Inbound{Type: gateway.TypeJoin, Room: cfg.Room}); err != nil {
		c.Close()
		return nil, 0, false, fmt.Errorf("join: %w", err)
	}
	reply, err := c.Next(ctx)
	if err != nil {
		c.Close()
		return nil, 0, false, fmt.Errorf("await join reply: %w", err)
	}
	if reply.Type != gateway.TypeJoined {
		logger.Warn("join refused", "client_id", id, "error", reply.Error)
	}
	return c, welcome.WorkerID, reply.Type == gateway.TypeJoined, nil
}

func printProbe(w io.Writer, cfg probeConfig, res probeResult) {
	rejected := 0
	for _, n := range res.Rejected {
		rejected += n
	}
	fmt.Fprintf(w, "clients=%d accepted=%d rejected=%d failed=%d\n", cfg.Clients, res.Accepted, rejected, res.Failed)

	statuses := make([]int, 0, len(res.Rejected))
	for s := range res.Rejected {
		statuses = append(statuses, s)
	}
	sort.Ints(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  rejected status %d: %d\n", s, res.Rejected[s])
	}

	workers := make([]int, 0, len(res.Workers))
	for id := range res.Workers {
		workers = append(workers, id)
	}
	sort.Ints(workers)
	for _, id := range workers {
		fmt.Fprintf(w, "  worker %d: %d\n", id, res.Workers[id])
	}
	if cfg.Room != "" {
		fmt.Fprintf(w, "  joined %s: %d\n", cfg.Room, res.Joined)
	}
}

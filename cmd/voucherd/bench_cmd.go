package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"
	"pkt.systems/voucherd"
	"pkt.systems/voucherd/internal/correlation"
	"pkt.systems/voucherd/internal/httpapi"
	"pkt.systems/voucherd/internal/version"
)

type benchConfig struct {
	server      string
	voucherID   int64
	stock       int64
	buyers      int
	firstBuyer  int64
	concurrency int
	timeout     time.Duration
}

type benchResult struct {
	admitted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
	elapsed  time.Duration
}

func newBenchCommand(logger pslog.Logger) *cobra.Command {
	var cfg benchConfig
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive a flash sale against a running voucherd",
		Long: `bench optionally registers a seckill voucher, then fires one purchase per
buyer with bounded concurrency and reports admissions. With --stock N at most
N buyers can be admitted.`,
		Example: `  voucherd bench --server http://127.0.0.1:8081 --voucher 10 --stock 100 --buyers 1000 --concurrency 64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			res, err := runBench(cmd.Context(), cfg, &http.Client{Timeout: cfg.timeout}, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			total := res.admitted.Load() + res.rejected.Load() + res.failed.Load()
			rate := float64(total) / res.elapsed.Seconds()
			fmt.Fprintf(out, "requests  %s in %s (%s req/s)\n", humanize.Comma(total), res.elapsed.Round(time.Millisecond), humanize.CommafWithDigits(rate, 1))
			fmt.Fprintf(out, "admitted  %s\n", humanize.Comma(res.admitted.Load()))
			fmt.Fprintf(out, "rejected  %s\n", humanize.Comma(res.rejected.Load()))
			fmt.Fprintf(out, "failed    %s\n", humanize.Comma(res.failed.Load()))
			if cfg.stock > 0 && res.admitted.Load() > cfg.stock {
				return fmt.Errorf("oversold: admitted %d buyers for stock %d", res.admitted.Load(), cfg.stock)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.server, "server", "http://127.0.0.1"+voucherd.DefaultListen, "voucherd base URL")
	flags.Int64Var(&cfg.voucherID, "voucher", 1, "seckill voucher id")
	flags.Int64Var(&cfg.stock, "stock", 0, "register the voucher with this stock and an open window first (0 skips)")
	flags.IntVar(&cfg.buyers, "buyers", 1000, "distinct buyers, one purchase each")
	flags.Int64Var(&cfg.firstBuyer, "first-buyer", 1, "id of the first buyer")
	flags.IntVar(&cfg.concurrency, "concurrency", 64, "in-flight requests")
	flags.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "per request timeout")
	return cmd
}

func runBench(ctx context.Context, cfg benchConfig, client *http.Client, logger pslog.Logger) (*benchResult, error) {
	if cfg.buyers <= 0 {
		return nil, fmt.Errorf("--buyers must be positive")
	}
	if cfg.concurrency <= 0 {
		return nil, fmt.Errorf("--concurrency must be positive")
	}
	if cfg.voucherID <= 0 || cfg.firstBuyer <= 0 {
		return nil, fmt.Errorf("--voucher and --first-buyer must be positive")
	}
	base := strings.TrimRight(cfg.server, "/")
	if cfg.stock > 0 {
		if err := registerBenchVoucher(ctx, client, base, cfg); err != nil {
			return nil, err
		}
		logger.Info("bench.voucher.registered", "voucher_id", cfg.voucherID, "stock", cfg.stock)
	}

	res := &benchResult{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	url := fmt.Sprintf("%s/voucher-order/seckill/%d", base, cfg.voucherID)
	start := time.Now()
	for i := 0; i < cfg.buyers; i++ {
		buyerID := cfg.firstBuyer + int64(i)
		g.Go(func() error {
			status, err := benchPost(gctx, client, url, nil, buyerID)
			switch {
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.failed.Add(1)
				logger.Debug("bench.request.failed", "buyer_id", buyerID, "error", err)
			case status == http.StatusOK:
				res.admitted.Add(1)
			case status == http.StatusConflict:
				res.rejected.Add(1)
			default:
				res.failed.Add(1)
				logger.Debug("bench.request.unexpected", "buyer_id", buyerID, "status", status)
			}
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func registerBenchVoucher(ctx context.Context, client *http.Client, base string, cfg benchConfig) error {
	now := time.Now().UTC()
	body, err := json.Marshal(map[string]any{
		"voucherId": cfg.voucherID,
		"stock":     cfg.stock,
		"beginTime": now.Add(-time.Minute),
		"endTime":   now.Add(time.Hour),
	})
	if err != nil {
		return err
	}
	status, err := benchPost(ctx, client, base+"/voucher/seckill", body, 0)
	if err != nil {
		return fmt.Errorf("register voucher: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("register voucher: unexpected status %d", status)
	}
	return nil
}

func benchPost(ctx context.Context, client *http.Client, url string, body []byte, buyerID int64) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("bench"))
	req.Header.Set(correlation.Header, "bench-"+xid.New().String())
	if buyerID > 0 {
		req.Header.Set(httpapi.HeaderUserID, strconv.FormatInt(buyerID, 10))
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

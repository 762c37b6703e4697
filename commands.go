package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"fanoutbench/config"
	"fanoutbench/session"
	"fanoutbench/verify"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func runFanout(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("fanout", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (json or yaml)")
	connections := fs.Int("connections", 0, "number of stream listeners")
	triggers := fs.Int("triggers", 0, "number of triggers to dispatch")
	interval := fs.Duration("interval", 0, "pause between triggers")
	wsURL := fs.String("ws-url", "", "stream base url")
	apiURL := fs.String("api-url", "", "bid api base url")
	itemID := fs.String("item-id", "", "item to measure (generated when empty)")
	mode := fs.String("mode", "", "time reference: client, server or offset")
	listenOnly := fs.Bool("listen-only", false, "measure externally driven traffic only")
	duration := fs.Duration("duration", 0, "listen window in listen-only mode")
	redisTap := fs.Bool("redis-tap", false, "also time the broker leg via redis")
	out := fs.String("out", "", "report path (stdout when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configPath)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "connections":
			cfg.Connections = *connections
		case "triggers":
			cfg.Triggers = *triggers
		case "interval":
			cfg.Interval = config.Duration{Duration: *interval}
		case "ws-url":
			cfg.WSURL = *wsURL
		case "api-url":
			cfg.APIURL = *apiURL
		case "item-id":
			cfg.ItemID = *itemID
		case "mode":
			cfg.Mode = *mode
		case "listen-only":
			cfg.ListenOnly = *listenOnly
		case "duration":
			cfg.ListenDuration = config.Duration{Duration: *duration}
		case "redis-tap":
			cfg.RedisTap = *redisTap
		}
	})

	log := newLogger(cfg)
	defer log.Sync()

	if cfg.Connections <= 0 {
		log.Errorf("fanout: -connections must be positive, got %d", cfg.Connections)
		return 2
	}
	if !cfg.ListenOnly && cfg.Triggers <= 0 {
		log.Errorf("fanout: -triggers must be positive, got %d", cfg.Triggers)
		return 2
	}

	s, err := session.New(cfg, log)
	if err != nil {
		log.Errorf("session: %v", err)
		return 2
	}
	log.Infof("starting %s", s)

	rep, err := s.Run(ctx)
	if rep != nil {
		if werr := writeOutput(*out, rep.WriteJSON); werr != nil {
			log.Errorf("write report: %v", werr)
			return 1
		}
	}
	if err != nil {
		log.Errorf("run failed: %v", err)
		return 1
	}
	return 0
}

func runVerify(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (json or yaml)")
	apiURL := fs.String("api-url", "", "bid api base url")
	itemID := fs.String("item-id", "", "item to verify")
	bidsFile := fs.String("bids-file", "", "json array of submitted bids")
	bidsJSON := fs.String("bids-json", "", "inline json array of submitted bids")
	source := fs.String("source", "http", "state source: http or redis")
	out := fs.String("out", "", "result path (correctness_verification_<item>.json when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configPath)
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}
	if *itemID != "" {
		cfg.ItemID = *itemID
	}
	log := newLogger(cfg)
	defer log.Sync()

	if cfg.ItemID == "" {
		log.Errorf("verify: -item-id is required")
		return 2
	}
	subs, err := loadBids(*bidsFile, *bidsJSON)
	if err != nil {
		log.Errorf("load bids: %v", err)
		return 2
	}

	reader, closeReader, err := stateReader(*source, cfg)
	if err != nil {
		log.Errorf("state source: %v", err)
		return 2
	}
	defer closeReader()

	st, err := reader.Read(ctx, cfg.ItemID)
	if err != nil {
		log.Errorf("read final state [%s]: %v", cfg.ItemID, err)
		return 1
	}

	res, verr := verify.Verify(st.Bid, subs)
	res.FinalBidder = st.BidderID

	path := *out
	if path == "" {
		path = fmt.Sprintf("correctness_verification_%s.json", cfg.ItemID)
	}
	if err := writeOutput(path, res.WriteJSON); err != nil {
		log.Errorf("write result: %v", err)
		return 1
	}

	if verr != nil {
		log.Errorf("verification failed [%s]: final=%s expected=%s: %v",
			cfg.ItemID, formatAmount(res.FinalBid), formatAmount(res.ExpectedMaxBid), verr)
		return 1
	}
	log.Infof("verification passed [%s]: final=%s across %d bids", cfg.ItemID, formatAmount(res.FinalBid), res.TotalBidsSubmitted)
	return 0
}

func runMonitor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (json or yaml)")
	source := fs.String("source", "http", "state source: http or redis")
	apiURL := fs.String("api-url", "", "bid api base url for the http source")
	itemID := fs.String("item-id", "", "item to monitor")
	interval := fs.Duration("interval", 5*time.Second, "sampling interval")
	duration := fs.Duration("duration", 60*time.Second, "monitoring window")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configPath)
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}
	if *itemID != "" {
		cfg.ItemID = *itemID
	}
	log := newLogger(cfg)
	defer log.Sync()

	if cfg.ItemID == "" {
		log.Errorf("monitor: -item-id is required")
		return 2
	}
	reader, closeReader, err := stateReader(*source, cfg)
	if err != nil {
		log.Errorf("state source: %v", err)
		return 2
	}
	defer closeReader()

	log.Infof("monitoring %s every %s for %s", cfg.ItemID, *interval, *duration)
	rep := verify.Monitor(ctx, reader, cfg.ItemID, *interval, *duration, log)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		log.Errorf("write report: %v", err)
		return 1
	}
	if !rep.Advancing {
		log.Warnf("bid did not advance: %s -> %s (%d failed reads)", formatAmount(rep.StartBid), formatAmount(rep.EndBid), rep.Failures)
		return 1
	}
	log.Infof("bid advanced by %s", formatAmount(rep.Increase))
	return 0
}

func loadBids(path, inline string) ([]verify.Submission, error) {
	var r io.Reader
	switch {
	case path != "" && inline != "":
		return nil, errors.New("use only one of -bids-file and -bids-json")
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	case inline != "":
		r = strings.NewReader(inline)
	default:
		return nil, errors.New("one of -bids-file or -bids-json is required")
	}
	return verify.LoadSubmissions(r)
}

// stateReader picks where the final item state is read from. The returned
// func releases any client it opened.
func stateReader(source string, cfg *config.Config) (verify.StateReader, func(), error) {
	switch strings.ToLower(source) {
	case "", "http":
		return &verify.HTTPReader{BaseURL: cfg.APIURL}, func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return &verify.RedisReader{Client: client}, func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown source %q", source)
}

// formatAmount renders a bid the way the target's API does.
func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

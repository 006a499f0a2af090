package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mohammed-shakir/pyramid-catalog/internal/app"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/config"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/model"
	"github.com/mohammed-shakir/pyramid-catalog/internal/core/router"
	"github.com/mohammed-shakir/pyramid-catalog/internal/coverage"
	"github.com/mohammed-shakir/pyramid-catalog/internal/invalidation"
	"github.com/mohammed-shakir/pyramid-catalog/internal/layersync"
	"github.com/mohammed-shakir/pyramid-catalog/internal/logger"
	"github.com/mohammed-shakir/pyramid-catalog/internal/raster"
	"github.com/mohammed-shakir/pyramid-catalog/internal/storeevents"
)

// open loads the configuration, applies the global flags and opens the store.
func open(c *cli.Context) (*app.App, error) {
	if err := config.LoadDotEnv(c.String(ENVFILE)); err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	cfg := config.FromEnv()
	if c.IsSet(STOREURI) {
		cfg.StoreURI = c.String(STOREURI)
	}
	if c.IsSet(PLUGINCONFIG) {
		cfg.PluginConfig = c.String(PLUGINCONFIG)
	}
	cfg.CatalogDriver = c.String(CATALOGDRIVER)
	if c.IsSet(GEOSERVERURL) {
		cfg.GeoServerURL = c.String(GEOSERVERURL)
	}
	if c.IsSet(GEOSERVERUSER) {
		cfg.GeoServerUser = c.String(GEOSERVERUSER)
	}
	if c.IsSet(GEOSERVERPASS) {
		cfg.GeoServerPassword = c.String(GEOSERVERPASS)
	}
	if c.IsSet(READCACHE) {
		cfg.ReadCacheEnabled = c.Bool(READCACHE)
	}
	if c.IsSet(REDISADDR) {
		cfg.RedisAddr = c.String(REDISADDR)
	}
	if c.IsSet(MAXREADPIXELS) {
		cfg.MaxReadPixels = c.Int64(MAXREADPIXELS)
	}

	zl := logger.Build(logger.Config{
		Level:     c.String(LOGLEVEL),
		Console:   true,
		Service:   "pyramidctl",
		Component: c.Command.Name,
	}, c.App.ErrWriter)
	l := logger.NewSlog(&zl)

	plugin, err := app.LoadPlugin(cfg.PluginConfig, l)
	if err != nil {
		return nil, err
	}
	return app.Open(c.Context, cfg, plugin, l)
}

func withApp(fn func(c *cli.Context, a *app.App) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := open(c)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		return fn(c, a)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func datasetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "datasets",
		Usage: "List the datasets in the pyramid store",
		Action: withApp(func(c *cli.Context, a *app.App) error {
			names, err := a.Reader.CoverageNames(c.Context)
			if err != nil {
				return err
			}
			for _, n := range names {
				_, _ = fmt.Fprintln(c.App.Writer, n)
			}
			return nil
		}),
	}
}

func metadataCommand() *cli.Command {
	return &cli.Command{
		Name:      "metadata",
		Usage:     "Describe one dataset as JSON",
		ArgsUsage: "NAME",
		Action: withApp(func(c *cli.Context, a *app.App) error {
			name := c.Args().First()
			if name == "" {
				return errors.New("metadata: dataset name is required")
			}
			d, err := a.Reader.Describe(c.Context, name)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, d)
		}),
	}
}

const (
	BBOX        string = `bbox`
	WIDTH       string = `width`
	HEIGHT      string = `height`
	OUT         string = `out`
	COMPRESSION string = `compression`
)

func readCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Read a raster window and write the raw tile codec to --out",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: BBOX, Usage: "west,south,east,north[,EPSG:4326]; whole dataset when empty"},
			&cli.IntFlag{Name: WIDTH, Usage: "Output width in pixels"},
			&cli.IntFlag{Name: HEIGHT, Usage: "Output height in pixels"},
			&cli.StringFlag{Name: OUT, Aliases: []string{"o"}, Usage: "Output file; only a summary is printed when empty"},
			&cli.StringFlag{Name: COMPRESSION, Value: raster.CompressionNone, Usage: "none or gzip"},
		},
		Action: withApp(func(c *cli.Context, a *app.App) error {
			name := c.Args().First()
			if name == "" {
				return errors.New("read: dataset name is required")
			}
			var p coverage.ReadParams
			if raw := strings.TrimSpace(c.String(BBOX)); raw != "" {
				b, err := router.ParseBBox(raw)
				if err != nil {
					return fmt.Errorf("read: bbox: %w", err)
				}
				p.Bounds = &b
			}
			if c.IsSet(WIDTH) || c.IsSet(HEIGHT) {
				if c.Int(WIDTH) <= 0 || c.Int(HEIGHT) <= 0 {
					return errors.New("read: width and height must both be positive")
				}
				p.Window = &model.PixelWindow{Width: c.Int(WIDTH), Height: c.Int(HEIGHT)}
			}

			res, err := a.Reader.Read(c.Context, name, p)
			if err != nil {
				return err
			}
			summary := map[string]any{
				"bounds":    res.Bounds,
				"zoom":      res.Zoom,
				"crs":       res.CRS,
				"pixelType": res.Block.Type,
				"bands":     res.Block.NumBands(),
				"width":     res.Block.Width,
				"height":    res.Block.Height,
				"tiles":     res.Tiles,
				"missing":   res.Missing,
			}
			if out := c.String(OUT); out != "" {
				body, err := raster.Marshal(res.Block, c.String(COMPRESSION))
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, body, 0o644); err != nil {
					return fmt.Errorf("read: write %s: %w", out, err)
				}
				summary["out"] = out
				summary["bytes"] = len(body)
			}
			return printJSON(c.App.Writer, summary)
		}),
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show what a reconciliation would change, without changing it",
		Action: withApp(func(c *cli.Context, a *app.App) error {
			s, err := a.Synchronizer()
			if err != nil {
				return err
			}
			p, err := s.Plan(c.Context)
			if err != nil {
				return err
			}
			w := c.App.Writer
			_, _ = fmt.Fprintln(w, p.String())
			for _, n := range p.ToAdd {
				_, _ = fmt.Fprintf(w, "+ %s\n", n)
			}
			for _, r := range p.ToRemove {
				_, _ = fmt.Fprintf(w, "- %s\n", r.Coverage)
			}
			for _, r := range p.ToRepublish {
				_, _ = fmt.Fprintf(w, "~ %s\n", r.Coverage)
			}
			return nil
		}),
	}
}

const ONCE string = `once`

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Reconcile catalog layers with the store; loops when enable.update is set",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: ONCE, Usage: "Run a single reconciliation and exit"},
		},
		Action: withApp(func(c *cli.Context, a *app.App) error {
			s, err := a.Synchronizer()
			if err != nil {
				return err
			}
			if c.Bool(ONCE) || !s.Continuous() {
				rep, err := s.Reconcile(c.Context)
				if err != nil {
					return err
				}
				return printReport(c.App.Writer, rep)
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			reg := layersync.NewRegistry()
			h, err := reg.Start(ctx, s)
			if err != nil {
				return err
			}
			<-h.Done()
			if rep, ok := h.LastReport(); ok {
				_ = printReport(c.App.Writer, rep)
			}
			return h.Err()
		}),
	}
}

func printReport(w io.Writer, rep layersync.Report) error {
	_, _ = fmt.Fprintf(w, "cycle %s: inventory=%d published=%d added=%d removed=%d republished=%d failures=%d (%s)\n",
		rep.CycleID, rep.Inventory, rep.Published, len(rep.Added), len(rep.Removed), len(rep.Republished),
		len(rep.Failures), rep.Duration.Round(time.Millisecond))
	for _, f := range rep.Failures {
		_, _ = fmt.Fprintf(w, "! %s\n", f.Error())
	}
	return nil
}

const OP string = `op`

func notifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "notify",
		Usage:     "Publish a store-change event so running services refresh",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: OP, Value: invalidation.OpUpdated, Usage: "created, updated or deleted"},
			&cli.StringFlag{Name: BBOX, Usage: "Changed area west,south,east,north; whole dataset when empty"},
			&cli.StringSliceFlag{Name: KAFKABROKERS, Value: cli.NewStringSlice("localhost:9092"), EnvVars: env(KAFKABROKERS)},
			&cli.StringFlag{Name: KAFKATOPIC, Value: defaultTopic, EnvVars: env(KAFKATOPIC)},
		},
		Action: func(c *cli.Context) error {
			ev := invalidation.Event{
				Dataset: c.Args().First(),
				Op:      c.String(OP),
				Version: uint64(time.Now().UnixNano()),
				TS:      time.Now().UTC(),
				Source:  "pyramidctl",
			}
			if raw := strings.TrimSpace(c.String(BBOX)); raw != "" {
				b, err := router.ParseBBox(raw)
				if err != nil {
					return fmt.Errorf("notify: bbox: %w", err)
				}
				ev.BBox = &b
			}
			if err := ev.Validate(); err != nil {
				return fmt.Errorf("notify: %w", err)
			}

			pub, err := storeevents.NewPublisher(brokers(c.StringSlice(KAFKABROKERS)), c.String(KAFKATOPIC), 1, nil, nil)
			if err != nil {
				return err
			}
			if !pub.Publish(ev) {
				_ = pub.Close()
				return errors.New("notify: event not queued")
			}
			if err := pub.Close(); err != nil {
				return err
			}
			if pub.Failed() > 0 {
				return errors.New("notify: broker rejected the event")
			}
			_, _ = fmt.Fprintf(c.App.Writer, "published %s %s v%d\n", ev.Op, ev.Dataset, ev.Version)
			return nil
		},
	}
}

func brokers(in []string) []string {
	var out []string
	for _, s := range in {
		for _, b := range strings.Split(s, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}

package main

import (
	"io"
	"log"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/urfave/cli/v2"
)

const (
	ENVFILE       string = `envFile`
	PLUGINCONFIG  string = `pluginConfig`
	STOREURI      string = `storeUri`
	CATALOGDRIVER string = `catalogDriver`
	GEOSERVERURL  string = `geoserverUrl`
	GEOSERVERUSER string = `geoserverUser`
	GEOSERVERPASS string = `geoserverPassword`
	LOGLEVEL      string = `logLevel`
	KAFKABROKERS  string = `kafkaBrokers`
	KAFKATOPIC    string = `kafkaTopic`
	READCACHE     string = `readCacheEnabled`
	REDISADDR     string = `redisAddr`
	MAXREADPIXELS string = `maxReadPixels`
)

const (
	defaultCatalog = "memory"
	defaultTopic   = "pyramid-store-events"
)

func env(name string) []string { return []string{strcase.ToScreamingSnake(name)} }

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out, errOut io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "pyramidctl"
	app.Usage = "Inspect raster pyramid stores and keep their catalog layers in sync"
	app.Version = versioninfo.Short()
	app.Writer = out
	app.ErrWriter = errOut

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    ENVFILE,
			Usage:   "Optional KEY=VALUE file loaded before reading the environment",
			Value:   ".env",
			EnvVars: env(ENVFILE),
		},
		&cli.StringFlag{
			Name:    PLUGINCONFIG,
			Aliases: []string{"c"},
			Usage:   "Plugin configuration file (mrgeo.config, .properties or .yaml)",
			EnvVars: env(PLUGINCONFIG),
		},
		&cli.StringFlag{
			Name:    STOREURI,
			Aliases: []string{"s"},
			Usage:   "Pyramid store URI, a directory or gpkg:///path.gpkg. Overrides image.base",
			EnvVars: env(STOREURI),
		},
		&cli.StringFlag{
			Name:    CATALOGDRIVER,
			Usage:   "Catalog backend: geoserver or memory",
			Value:   defaultCatalog,
			EnvVars: env(CATALOGDRIVER),
		},
		&cli.StringFlag{
			Name:    GEOSERVERURL,
			Usage:   "GeoServer base URL",
			EnvVars: env(GEOSERVERURL),
		},
		&cli.StringFlag{
			Name:    GEOSERVERUSER,
			Usage:   "GeoServer REST user",
			EnvVars: env(GEOSERVERUSER),
		},
		&cli.StringFlag{
			Name:    GEOSERVERPASS,
			Usage:   "GeoServer REST password",
			EnvVars: env(GEOSERVERPASS),
		},
		&cli.BoolFlag{
			Name:    READCACHE,
			Usage:   "Serve reads through the Redis read cache",
			EnvVars: env(READCACHE),
		},
		&cli.StringFlag{
			Name:    REDISADDR,
			Usage:   "Redis address for the read cache",
			EnvVars: env(REDISADDR),
		},
		&cli.Int64Flag{
			Name:    MAXREADPIXELS,
			Usage:   "Largest raster a read may return, in pixels; 0 means unlimited",
			EnvVars: env(MAXREADPIXELS),
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "debug, info, warn or error",
			Value:   "warn",
			EnvVars: env(LOGLEVEL),
		},
	}

	app.Commands = []*cli.Command{
		datasetsCommand(),
		metadataCommand(),
		readCommand(),
		planCommand(),
		syncCommand(),
		notifyCommand(),
	}
	return app
}

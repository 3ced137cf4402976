package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isometry/ldapper/conf"
	"github.com/isometry/ldapper/conn"
)

var (
	Version   string = "0.0.0"
	BuildTime string
	GitCommit string
)

var versionCmd = &cli.Command{
	Name:    "version",
	Aliases: []string{"ver", "v"},
	Usage:   "Show version",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "all",
			Aliases: []string{"a"},
			Usage:   "Show all information (include: Version, BuildTime, GitCommit)",
			Value:   false,
		},
	},
	Action: func(ctx *cli.Context) error {
		if !ctx.Bool("all") {
			fmt.Println(ctx.App.Version)
		} else {
			cli.ShowVersion(ctx)
		}
		return nil
	},
}

var whoamiCmd = &cli.Command{
	Name:  "whoami",
	Usage: "Show the authorization identity the directory grants this configuration",
	Action: func(cli *cli.Context) error {
		return withConn(cli, func(ctx context.Context, c *conn.Conn) error {
			result, err := c.WhoAmI(ctx)
			if err != nil {
				return err
			}

			if result.Anonymous() {
				fmt.Println("anonymous")
				return nil
			}
			fmt.Println(result.AuthzID)
			return nil
		})
	},
}

var searchCmd = &cli.Command{
	Name:      "search",
	Usage:     "Search the directory and print matching entries as LDIF",
	ArgsUsage: "FILTER",
	Action: func(cli *cli.Context) error {
		filter := cli.Args().First()
		if filter == "" {
			return fmt.Errorf("a search filter is required, e.g. '(objectClass=person)'")
		}

		return withConn(cli, func(ctx context.Context, c *conn.Conn) error {
			ldif, err := c.LDIF(ctx, filter)
			if err != nil {
				return err
			}

			fmt.Print(ldif)
			return nil
		})
	},
}

var pingCmd = &cli.Command{
	Name:  "ping",
	Usage: "Verify the directory is reachable",
	Action: func(cli *cli.Context) error {
		return withConn(cli, func(ctx context.Context, c *conn.Conn) error {
			if err := c.Ping(ctx); err != nil {
				return err
			}

			fmt.Println("ok")
			return nil
		})
	},
}

// withConn loads configuration, dials the directory, and hands the
// connection to fn under a signal-cancelled context.
func withConn(cli *cli.Context, fn func(context.Context, *conn.Conn) error) error {
	if err := conf.LoadEnv(cli); err != nil {
		return err
	}

	cfg, err := conf.LoadConfig()
	if err != nil {
		return err
	}
	conf.ReplaceGlobals(cfg)

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := conn.Dial(ctx, &cfg.Directory, conn.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

func newLogger(cfg conf.Logging) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func main() {
	cli.VersionPrinter = func(cli *cli.Context) {
		fmt.Println("Version: " + cli.App.Version)
		fmt.Println("BuildTime: " + BuildTime)
		fmt.Println("GitCommit: " + GitCommit)
	}

	app := &cli.App{
		Name:     "ldapper",
		Usage:    "Object-relational mapping for LDAP directories",
		Version:  Version,
		Commands: []*cli.Command{versionCmd, whoamiCmd, searchCmd, pingCmd},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Usage:   "Specifies the working directory",
				EnvVars: []string{"LDAPPER_PATH"},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err.Error())
	}
}

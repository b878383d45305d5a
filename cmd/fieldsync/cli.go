package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/fieldsync/internal/awareness"
	"github.com/hpungsan/fieldsync/internal/config"
	"github.com/hpungsan/fieldsync/internal/discovery"
	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/mcp"
	"github.com/hpungsan/fieldsync/internal/session"
	"github.com/hpungsan/fieldsync/internal/transport"
	"github.com/hpungsan/fieldsync/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "fieldsync",
		Usage:   "Shared fields with live presence and soft locks",
		Version: Version,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "verbosity", Aliases: []string{"V"}, Usage: "glog verbosity level"},
		},
		Before: func(c *cli.Context) error {
			if c.IsSet("verbosity") {
				return flag.Set("v", strconv.Itoa(c.Int("verbosity")))
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(cfg),
			editCmd(cfg),
			mcpCmd(cfg),
			fieldsCmd(cfg),
			discoverCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd runs the relay with its status UI.
func serveCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a relay and its status UI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: cfg.ListenBind, Usage: "Address to listen on"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: cfg.ListenPort, Usage: "Port to listen on"},
			&cli.StringFlag{Name: "redis", Value: cfg.RedisAddr, Usage: "Redis address; bridges relay instances when set"},
			&cli.BoolFlag{Name: "mdns", Value: cfg.MDNS, Usage: "Announce the relay on the local network"},
			&cli.StringFlag{Name: "name", Usage: "mDNS instance name (defaults to the host name)"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []transport.RelayOption{transport.WithAwarenessTimeout(cfg.AwarenessTimeout())}
			if addr := c.String("redis"); addr != "" {
				bus, err := transport.NewRedisBus(ctx, addr)
				if err != nil {
					return outputError(err)
				}
				defer bus.Close()
				opts = append(opts, transport.WithBus(bus))
			}
			relay := transport.NewRelay(opts...)
			defer relay.Close()

			serveCfg := *cfg
			serveCfg.ListenBind = c.String("bind")
			serveCfg.ListenPort = c.Int("port")

			if c.Bool("mdns") {
				name := c.String("name")
				if name == "" {
					name, _ = os.Hostname()
				}
				ann, err := discovery.Announce(name, serveCfg.ListenPort, "/ws")
				if err != nil {
					return outputError(err)
				}
				defer ann.Shutdown()
			}

			srv := web.NewServer(relay, relay, &serveCfg, Version)
			if err := web.Run(ctx, srv); err != nil {
				return outputError(errors.NewTransportUnavailable(err))
			}
			return nil
		},
	}
}

// sessionFlags are shared by the commands that join a document.
func sessionFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "doc", Aliases: []string{"d"}, Value: cfg.Document, Usage: "Document to join"},
		&cli.StringFlag{Name: "relay", Aliases: []string{"r"}, Value: cfg.RelayURL, Usage: "Relay WebSocket URL"},
		&cli.BoolFlag{Name: "discover", Usage: "Find a relay on the local network instead of --relay"},
	}
}

// openSession dials the relay and joins the document selected by the flags.
func openSession(c *cli.Context, cfg *config.Config, user awareness.User, document string, opts ...session.Option) (*session.Session, error) {
	url := c.String("relay")
	if c.Bool("discover") {
		ctx, cancel := context.WithTimeout(c.Context, 3*time.Second)
		relays, err := discovery.Browse(ctx)
		cancel()
		if err != nil {
			return nil, err
		}
		if len(relays) == 0 {
			return nil, errors.NewTransportUnavailable(fmt.Errorf("no relay found on the local network"))
		}
		url = relays[0].URL()
	}

	opts = append([]session.Option{
		session.WithFields(cfg.Fields...),
		session.WithAwarenessTimeout(cfg.AwarenessTimeout()),
	}, opts...)
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	return session.Open(ctx, &transport.Dialer{URL: url}, document, user, opts...)
}

// editCmd joins a document with the line editor.
func editCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "edit",
		Usage: "Edit a document from the terminal",
		Flags: append(sessionFlags(cfg),
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Account to edit as (see config users)"},
			&cli.BoolFlag{Name: "new", Usage: "Start a new document with a generated ID"},
			&cli.BoolFlag{Name: "auto-yield", Usage: "Give up a field as soon as someone steals it"},
		),
		Action: func(c *cli.Context) error {
			user, err := chooseUser(cfg, c.String("user"))
			if err != nil {
				return outputError(err)
			}

			document := c.String("doc")
			if c.Bool("new") {
				document = uuid.NewString()
			}

			var opts []session.Option
			if c.Bool("auto-yield") {
				opts = append(opts, session.WithAutoYield())
			}
			sess, err := openSession(c, cfg, awareness.User{Name: user.Name, Color: user.Color}, document, opts...)
			if err != nil {
				return outputError(err)
			}
			defer sess.Close()

			ed, err := newEditor(sess, c.App.Writer)
			if err != nil {
				return outputError(err)
			}
			defer ed.close()
			return ed.run(c.Context, c.App.Reader)
		},
	}
}

// mcpCmd serves the MCP tools over stdio.
func mcpCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve MCP tools over stdio for an agent",
		Flags: append(sessionFlags(cfg),
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Value: "Agent", Usage: "Name shown to other users"},
			&cli.StringFlag{Name: "color", Value: "#a3a3a3", Usage: "Color shown to other users"},
		),
		Action: func(c *cli.Context) error {
			if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
				glog.Warningf("[mcp]unknown disabled_tools: %s\n", strings.Join(unknown, ", "))
			}

			user := awareness.User{Name: strings.TrimSpace(c.String("user")), Color: c.String("color")}
			if preset, ok := cfg.User(user.Name); ok {
				user = awareness.User{Name: preset.Name, Color: preset.Color}
			}
			sess, err := openSession(c, cfg, user, c.String("doc"))
			if err != nil {
				return outputError(err)
			}
			defer sess.Close()

			if err := mcp.Run(sess, cfg, Version); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// fieldsCmd prints the configured fields and account presets.
func fieldsCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "fields",
		Usage: "Show the configured fields and accounts",
		Action: func(c *cli.Context) error {
			return outputJSON(c.App.Writer, map[string]any{
				"document": cfg.Document,
				"fields":   cfg.Fields,
				"users":    cfg.Users,
			})
		},
	}
}

// discoverCmd browses the local network for relays.
func discoverCmd() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "List relays announced on the local network",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Value: 3 * time.Second, Usage: "How long to browse"},
		},
		Action: func(c *cli.Context) error {
			if c.Duration("timeout") <= 0 {
				return outputError(errors.NewInvalidRequest("timeout must be positive"))
			}
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			relays, err := discovery.Browse(ctx)
			if err != nil {
				return outputError(err)
			}
			if relays == nil {
				relays = []discovery.Relay{}
			}
			return outputJSON(c.App.Writer, map[string]any{"relays": relays})
		},
	}
}

// Helper functions

// chooseUser resolves name against the account presets.
func chooseUser(cfg *config.Config, name string) (config.UserPreset, error) {
	names := make([]string, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		names = append(names, u.Name)
	}
	if strings.TrimSpace(name) == "" {
		return config.UserPreset{}, errors.NewInvalidRequest(
			fmt.Sprintf("choose a user before editing (--user): %s", strings.Join(names, ", ")))
	}
	u, ok := cfg.User(name)
	if !ok {
		return config.UserPreset{}, errors.NewInvalidRequest(
			fmt.Sprintf("unknown user %q, choose one of: %s", name, strings.Join(names, ", ")))
	}
	return u, nil
}

// outputJSON marshals result to w as JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	sErr := errors.As(err)
	if sErr.Code == errors.ErrInternal {
		return cli.Exit(err.Error(), 1)
	}
	return cli.Exit(fmt.Sprintf("[%s] %s", sErr.Code, sErr.Message), 1)
}

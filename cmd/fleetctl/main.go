package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/yowenter/fleetd/pkg/client"
	"github.com/yowenter/fleetd/pkg/fleet"
	"github.com/yowenter/fleetd/pkg/fleet/schema"
	"github.com/yowenter/fleetd/pkg/types"
	"github.com/yowenter/fleetd/pkg/utils"
)

const usage = `usage: fleetctl [flags] <command> [args]

commands:
  config                          save --server to the client config
  ping                            check the server is up
  list   <kind>                   list records, --expand resolves references
  get    <kind> <id>              show records, ids may be ranges like DRV-00[1-3]
  create <kind> <id> k=v...       create a record, an empty id "" is generated
  update <kind> <id> k=v...       update fields, --version is the version last read
`

// exit code when an update loses to a concurrent writer
const exitConflict = 3

var (
	configPath = flag.String("config", defaultConfigPath(), "client config file")
	server     = flag.StringP("server", "s", "", "fleet server address, overrides the config")
	timeout    = flag.Duration("timeout", 10*time.Second, "request timeout")
	baseVer    = flag.String("version", "", "version the update is based on")
	expand     = flag.Bool("expand", false, "expand references when listing")
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return fleet.DefaultClientConfig
	}
	return filepath.Join(home, fleet.DefaultClientConfig)
}

func collection(kind string) (string, error) {
	for _, sc := range schema.DefaultRegistry() {
		if kind == sc.Kind || kind == sc.Collection {
			return sc.Collection, nil
		}
	}
	return "", fmt.Errorf("unknown kind %q", kind)
}

func parseFields(args []string) (map[string]string, error) {
	fields := map[string]string{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		fields[k] = v
	}
	return fields, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newClient() (*client.Client, error) {
	addr := *server
	if addr == "" {
		conf, err := fleet.LoadFleetClientConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("no --server given and config %s unreadable: %w", *configPath, err)
		}
		addr = conf.Server
		if conf.Timeout > 0 && !flag.CommandLine.Changed("timeout") {
			*timeout = conf.Timeout
		}
	}
	return client.NewClient(addr, *timeout), nil
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, args := args[0], args[1:]

	if cmd == "config" {
		if *server == "" {
			return errors.New("config requires --server")
		}
		conf := &types.FleetClientConfiguration{Server: *server, Timeout: *timeout}
		if err := fleet.SaveFleetClientConfig(conf, *configPath); err != nil {
			return err
		}
		log.Infof("server %s saved to %s", *server, *configPath)
		return nil
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	switch cmd {
	case "ping":
		if err := c.Ping(ctx); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil

	case "list":
		if len(args) != 1 {
			return errors.New(usage)
		}
		coll, err := collection(args[0])
		if err != nil {
			return err
		}
		views, err := c.List(ctx, coll, *expand)
		if err != nil {
			return err
		}
		printJSON(views)
		return nil

	case "get":
		if len(args) != 2 {
			return errors.New(usage)
		}
		coll, err := collection(args[0])
		if err != nil {
			return err
		}
		ids, err := utils.ExpandIDs(args[1])
		if err != nil {
			return err
		}
		for _, id := range ids {
			view, err := c.Get(ctx, coll, id)
			if errors.Is(err, client.ErrNotFound) {
				log.Warnf("%s %s not found", args[0], id)
				continue
			}
			if err != nil {
				return err
			}
			printJSON(view)
		}
		return nil

	case "create", "update":
		if len(args) < 2 {
			return errors.New(usage)
		}
		coll, err := collection(args[0])
		if err != nil {
			return err
		}
		fields, err := parseFields(args[2:])
		if err != nil {
			return err
		}
		if cmd == "create" {
			view, err := c.Create(ctx, coll, args[1], fields)
			if err != nil {
				return err
			}
			printJSON(view)
			return nil
		}
		if *baseVer == "" {
			return fmt.Errorf("update needs --version, run get %s %s to read it", args[0], args[1])
		}
		res, err := c.Update(ctx, coll, args[1], *baseVer, fields)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	}

	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*10)
	defer cancel()

	err := run(ctx, flag.Args())
	var conflict *client.ConflictError
	switch {
	case errors.As(err, &conflict):
		log.Errorf("%v, reload and retry with --version %s", conflict, conflict.Current.Version)
		printJSON(conflict.Current)
		os.Exit(exitConflict)
	case err != nil:
		log.Error(err)
		os.Exit(1)
	}
}

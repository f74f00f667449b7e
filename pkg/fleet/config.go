package fleet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yowenter/fleetd/pkg/types"
)

const (
	DefaultServerConfig = "/etc/fleetd/fleet-server.yaml"
	DefaultClientConfig = ".fleetctl.yaml"
	envPrefix           = "FLEET"
)

func DefaultServerConfiguration() *types.FleetServerConfiguration {
	return &types.FleetServerConfiguration{
		Listen:          ":8080",
		MetricsInterval: time.Minute,
		Store: types.StoreOption{
			Backend: types.STORE_MEMORY,
			Timeout: defaultStoreTimeout,
			Etcd: types.EtcdOption{
				EtcdEndpoints: "http://127.0.0.1:2379",
			},
			Postgres: types.PostgresOption{
				Host:     "127.0.0.1",
				Port:     5432,
				User:     "fleet",
				DBName:   "fleet",
				SSLMode:  "disable",
				MaxConns: 10,
			},
			SQLite: types.SQLiteOption{
				Path: "/var/lib/fleetd/fleet.db",
			},
		},
		LeaderElection: types.ElectionOption{
			Name:          "fleetd",
			Namespace:     "default",
			LeaseDuration: 15 * time.Second,
		},
		CORS: types.CORSOption{
			AllowOrigins: []string{"http://localhost:3000"},
			MaxAge:       600,
		},
	}
}

func setDefaults(v *viper.Viper, d *types.FleetServerConfiguration) {
	v.SetDefault("debug", d.Debug)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("seedFile", d.SeedFile)
	v.SetDefault("metricsInterval", d.MetricsInterval)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("store.etcd.etcdEndpoints", d.Store.Etcd.EtcdEndpoints)
	v.SetDefault("store.etcd.etcdDiscoverySrv", d.Store.Etcd.EtcdDiscoverySrv)
	v.SetDefault("store.etcd.etcdUsername", d.Store.Etcd.EtcdUsername)
	v.SetDefault("store.etcd.etcdPassword", d.Store.Etcd.EtcdPassword)
	v.SetDefault("store.etcd.etcdKeyFile", d.Store.Etcd.EtcdKeyFile)
	v.SetDefault("store.etcd.etcdCertFile", d.Store.Etcd.EtcdCertFile)
	v.SetDefault("store.etcd.etcdCACertFile", d.Store.Etcd.EtcdCACertFile)
	v.SetDefault("store.postgres.host", d.Store.Postgres.Host)
	v.SetDefault("store.postgres.port", d.Store.Postgres.Port)
	v.SetDefault("store.postgres.user", d.Store.Postgres.User)
	v.SetDefault("store.postgres.password", d.Store.Postgres.Password)
	v.SetDefault("store.postgres.dbname", d.Store.Postgres.DBName)
	v.SetDefault("store.postgres.sslmode", d.Store.Postgres.SSLMode)
	v.SetDefault("store.postgres.maxConns", d.Store.Postgres.MaxConns)
	v.SetDefault("store.sqlite.path", d.Store.SQLite.Path)

	v.SetDefault("leaderElection.enabled", d.LeaderElection.Enabled)
	v.SetDefault("leaderElection.name", d.LeaderElection.Name)
	v.SetDefault("leaderElection.namespace", d.LeaderElection.Namespace)
	v.SetDefault("leaderElection.lease_duration", d.LeaderElection.LeaseDuration)

	v.SetDefault("cors.enabled", d.CORS.Enabled)
	v.SetDefault("cors.allowOrigins", d.CORS.AllowOrigins)
	v.SetDefault("cors.allowCredentials", d.CORS.AllowCredentials)
	v.SetDefault("cors.maxAge", d.CORS.MaxAge)
}

// LoadFleetServerConfig reads path over the built-in defaults, then applies
// FLEET_* environment overrides such as FLEET_STORE_BACKEND. A missing file
// is not an error.
func LoadFleetServerConfig(path string) (*types.FleetServerConfiguration, error) {
	v := viper.New()
	setDefaults(v, DefaultServerConfiguration())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			log.Warnf("config file %v not found, using defaults", path)
		}
	}

	var conf types.FleetServerConfiguration
	if err := v.Unmarshal(&conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func SaveDefaultServerConfig(path string) error {
	data, err := yaml.Marshal(DefaultServerConfiguration())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func LoadFleetClientConfig(path string) (*types.FleetClientConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf types.FleetClientConfiguration
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func SaveFleetClientConfig(conf *types.FleetClientConfiguration, path string) error {
	data, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

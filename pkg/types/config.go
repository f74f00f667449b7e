package types

import "time"

const (
	STORE_MEMORY   = "memory"
	STORE_ETCD     = "etcd"
	STORE_POSTGRES = "postgres"
	STORE_SQLITE   = "sqlite"
)

type ElectionOption struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Name          string        `yaml:"name,omitempty" mapstructure:"name"`
	Namespace     string        `yaml:"namespace,omitempty" mapstructure:"namespace"`
	LeaseDuration time.Duration `yaml:"lease_duration,omitempty" mapstructure:"lease_duration"`
}

type EtcdOption struct {
	EtcdEndpoints    string `yaml:"etcdEndpoints" mapstructure:"etcdEndpoints"`
	EtcdDiscoverySrv string `yaml:"etcdDiscoverySrv" mapstructure:"etcdDiscoverySrv"`
	EtcdUsername     string `yaml:"etcdUsername" mapstructure:"etcdUsername"`
	EtcdPassword     string `yaml:"etcdPassword" mapstructure:"etcdPassword"`
	EtcdKeyFile      string `yaml:"etcdKeyFile" mapstructure:"etcdKeyFile"`
	EtcdCertFile     string `yaml:"etcdCertFile" mapstructure:"etcdCertFile"`
	EtcdCACertFile   string `yaml:"etcdCACertFile" mapstructure:"etcdCACertFile"`
}

type PostgresOption struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	DBName   string `yaml:"dbname" mapstructure:"dbname"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
	MaxConns int32  `yaml:"maxConns" mapstructure:"maxConns"`
}

type SQLiteOption struct {
	Path string `yaml:"path" mapstructure:"path"`
}

type StoreOption struct {
	Backend  string         `yaml:"backend" mapstructure:"backend"`
	Timeout  time.Duration  `yaml:"timeout" mapstructure:"timeout"`
	Etcd     EtcdOption     `yaml:"etcd" mapstructure:"etcd"`
	Postgres PostgresOption `yaml:"postgres" mapstructure:"postgres"`
	SQLite   SQLiteOption   `yaml:"sqlite" mapstructure:"sqlite"`
}

type CORSOption struct {
	Enabled          bool     `yaml:"enabled" mapstructure:"enabled"`
	AllowOrigins     []string `yaml:"allowOrigins" mapstructure:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials" mapstructure:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge" mapstructure:"maxAge"`
}

type FleetServerConfiguration struct {
	Debug           bool           `yaml:"debug" mapstructure:"debug"`
	Listen          string         `yaml:"listen" mapstructure:"listen"`
	SeedFile        string         `yaml:"seedFile" mapstructure:"seedFile"`
	MetricsInterval time.Duration  `yaml:"metricsInterval" mapstructure:"metricsInterval"`
	Store           StoreOption    `yaml:"store" mapstructure:"store"`
	LeaderElection  ElectionOption `yaml:"leaderElection" mapstructure:"leaderElection"`
	CORS            CORSOption     `yaml:"cors" mapstructure:"cors"`
}

// FleetClientConfiguration is persisted by fleetctl.
type FleetClientConfiguration struct {
	Server  string        `yaml:"server"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

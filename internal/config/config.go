package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
	"github.com/xcat-network/xcat/internal/core/domain"
)

const (
	// StellarNetworkKey is the stellar network to use, either "public" or "testnet"
	StellarNetworkKey = "stellarNetwork"
	// StellarAccountSecretKey is the secret seed of the local stellar account
	StellarAccountSecretKey = "stellarAccountSecret"
	// HorizonURLKey overrides the default horizon endpoint of the stellar network
	HorizonURLKey = "horizonURL"
	// EthereumNetworkKey is the ethereum network to use. Known names map to
	// their chain id, any other requires EthereumChainIDKey
	EthereumNetworkKey = "ethereumNetwork"
	// EthereumChainIDKey is the chain id of a private ethereum network
	EthereumChainIDKey = "ethereumChainId"
	// EthereumRPCKey is the JSON-RPC endpoint of the ethereum node
	EthereumRPCKey = "ethereumRPC"
	// EthereumPublicAddressKey is the address of the local ethereum account
	EthereumPublicAddressKey = "ethereumPublicAddress"
	// EthereumPrivateKeyKey is the hex private key used to sign ethereum
	// transactions locally. When missing the node signs them
	EthereumPrivateKeyKey = "ethereumPrivateKey"
	// HTLCAddressKey is the address of the deployed HashedTimelock contract
	HTLCAddressKey = "htlcAddress"
	// HTLCCodeHashKey is the keccak256 hash of the expected contract bytecode
	HTLCCodeHashKey = "htlcCodeHash"
	// HTLCStartBlockKey is the block the contract was deployed at
	HTLCStartBlockKey = "htlcStartBlock"
	// DatadirKey is the local data directory to store the trades
	DatadirKey = "datadir"
	// DBTypeKey is used to switch database type between those supported
	DBTypeKey = "dbType"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "logLevel"
	// LogFileKey is the path of an optional rotated log file
	LogFileKey = "logFile"
	// RequestTimeoutKey is the timeout of a single request to the ledgers
	RequestTimeoutKey = "requestTimeout"
	// StatsIntervalKey is the interval for printing runtime statistics in watch mode
	StatsIntervalKey = "statsInterval"

	DBBadger   = "badger"
	DBInMemory = "inmemory"

	StellarPublic  = "public"
	StellarTestnet = "testnet"

	DbLocation       = "db"
	ProfilerLocation = "stats"
)

var (
	// ErrInvalidStellarNetwork ...
	ErrInvalidStellarNetwork = errors.New("stellar network must be either public or testnet")
	// ErrInvalidStellarSecret ...
	ErrInvalidStellarSecret = errors.New("invalid stellar account secret")
	// ErrInvalidEthereumNetwork is returned for an unknown network name
	// without an explicit chain id.
	ErrInvalidEthereumNetwork = errors.New("unknown ethereum network, chain id required")
	// ErrInvalidEthereumAddress ...
	ErrInvalidEthereumAddress = errors.New("invalid ethereum public address")
	// ErrInvalidEthereumKey is returned for a malformed private key or one not
	// matching the configured public address.
	ErrInvalidEthereumKey = errors.New("invalid ethereum private key")
	// ErrInvalidURL ...
	ErrInvalidURL = errors.New("invalid url")
	// ErrInvalidHTLC ...
	ErrInvalidHTLC = errors.New("invalid htlc contract settings")
	// ErrInvalidDBType ...
	ErrInvalidDBType = errors.New("db type must be either badger or inmemory")
)

var (
	defaultDatadir = btcutil.AppDataDir("xcat", false)

	envKeys = map[string]string{
		StellarNetworkKey:        "STELLAR_NETWORK",
		StellarAccountSecretKey:  "STELLAR_ACCOUNT_SECRET",
		HorizonURLKey:            "HORIZON_URL",
		EthereumNetworkKey:       "ETHEREUM_NETWORK",
		EthereumChainIDKey:       "ETHEREUM_CHAIN_ID",
		EthereumRPCKey:           "ETHEREUM_RPC",
		EthereumPublicAddressKey: "ETHEREUM_PUBLIC_ADDRESS",
		EthereumPrivateKeyKey:    "ETHEREUM_PRIVATE_KEY",
		HTLCAddressKey:           "HTLC_ADDRESS",
		HTLCCodeHashKey:          "HTLC_CODE_HASH",
		HTLCStartBlockKey:        "HTLC_START_BLOCK",
		DatadirKey:               "DATADIR",
		DBTypeKey:                "DB_TYPE",
		LogLevelKey:              "LOG_LEVEL",
		LogFileKey:               "LOG_FILE",
		RequestTimeoutKey:        "REQUEST_TIMEOUT",
		StatsIntervalKey:         "STATS_INTERVAL",
	}

	horizonURLs = map[string]string{
		StellarPublic:  "https://horizon.stellar.org",
		StellarTestnet: "https://horizon-testnet.stellar.org",
	}
	passphrases = map[string]string{
		StellarPublic:  network.PublicNetworkPassphrase,
		StellarTestnet: network.TestNetworkPassphrase,
	}
	chainIDs = map[string]int64{
		"mainnet": 1,
		"sepolia": 11155111,
		"holesky": 17000,
	}
)

// Config is the validated configuration of the local party.
type Config struct {
	StellarNetwork    string
	StellarKeypair    *keypair.Full
	NetworkPassphrase string
	HorizonURL        string

	EthereumNetwork    string
	ChainID            *big.Int
	EthereumRPC        string
	EthereumAddress    common.Address
	EthereumPrivateKey *ecdsa.PrivateKey

	HTLCAddress    common.Address
	HTLCCodeHash   common.Hash
	HTLCStartBlock uint64

	Datadir        string
	DBType         string
	LogLevel       log.Level
	LogFile        string
	RequestTimeout time.Duration
	StatsInterval  time.Duration
}

// StellarAddress returns the public address of the local stellar account.
func (c *Config) StellarAddress() string {
	return c.StellarKeypair.Address()
}

// DbDir returns the directory of the trade database.
func (c *Config) DbDir() string {
	return filepath.Join(c.Datadir, DbLocation)
}

// Option overrides a setting after the config file and the environment are
// read.
type Option func(v *viper.Viper)

// WithDatadir overrides the data directory.
func WithDatadir(dir string) Option {
	return func(v *viper.Viper) {
		if dir != "" {
			v.Set(DatadirKey, dir)
		}
	}
}

// WithValue overrides the setting with the given key.
func WithValue(key string, value interface{}) Option {
	return func(v *viper.Viper) {
		v.Set(key, value)
	}
}

// Load reads the optional JSON config file at path, then the XCAT_ prefixed
// environment, and returns the validated config. A missing file is not an
// error when every required setting comes from the environment.
func Load(path string, opts ...Option) (*Config, error) {
	vip := viper.New()
	vip.SetEnvPrefix("XCAT")
	for key, env := range envKeys {
		if err := vip.BindEnv(key, "XCAT_"+env); err != nil {
			return nil, err
		}
	}

	vip.SetDefault(StellarNetworkKey, StellarTestnet)
	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(DBTypeKey, DBBadger)
	vip.SetDefault(LogLevelKey, int(log.InfoLevel))
	vip.SetDefault(RequestTimeoutKey, 30*time.Second)
	vip.SetDefault(StatsIntervalKey, 10*time.Minute)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			vip.SetConfigFile(path)
			vip.SetConfigType("json")
			if err := vip.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	for _, opt := range opts {
		opt(vip)
	}

	cfg, err := parse(vip)
	if err != nil {
		return nil, fmt.Errorf("error while validating config: %w", err)
	}
	return cfg, nil
}

func parse(vip *viper.Viper) (*Config, error) {
	cfg := &Config{
		Datadir:        vip.GetString(DatadirKey),
		DBType:         strings.ToLower(vip.GetString(DBTypeKey)),
		LogLevel:       log.Level(vip.GetUint32(LogLevelKey)),
		LogFile:        vip.GetString(LogFileKey),
		RequestTimeout: vip.GetDuration(RequestTimeoutKey),
		StatsInterval:  vip.GetDuration(StatsIntervalKey),
	}

	if err := cfg.parseStellar(vip); err != nil {
		return nil, err
	}
	if err := cfg.parseEthereum(vip); err != nil {
		return nil, err
	}
	if err := cfg.parseHTLC(vip); err != nil {
		return nil, err
	}

	if len(cfg.Datadir) <= 0 {
		return nil, fmt.Errorf("missing datadir")
	}
	if cfg.DBType != DBBadger && cfg.DBType != DBInMemory {
		return nil, ErrInvalidDBType
	}
	if cfg.RequestTimeout <= 0 || cfg.StatsInterval <= 0 {
		return nil, fmt.Errorf("%s and %s must be positive durations", RequestTimeoutKey, StatsIntervalKey)
	}
	if cfg.LogLevel > log.TraceLevel {
		return nil, fmt.Errorf("log level must be in range [0, %d]", log.TraceLevel)
	}
	return cfg, nil
}

func (c *Config) parseStellar(vip *viper.Viper) error {
	c.StellarNetwork = strings.ToLower(vip.GetString(StellarNetworkKey))
	passphrase, ok := passphrases[c.StellarNetwork]
	if !ok {
		return ErrInvalidStellarNetwork
	}
	c.NetworkPassphrase = passphrase

	c.HorizonURL = vip.GetString(HorizonURLKey)
	if c.HorizonURL == "" {
		c.HorizonURL = horizonURLs[c.StellarNetwork]
	}
	if !isURL(c.HorizonURL) {
		return fmt.Errorf("%w: horizon %s", ErrInvalidURL, c.HorizonURL)
	}

	secret := vip.GetString(StellarAccountSecretKey)
	if !strkey.IsValidEd25519SecretSeed(secret) {
		return ErrInvalidStellarSecret
	}
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidStellarSecret, err)
	}
	c.StellarKeypair = kp
	return nil
}

func (c *Config) parseEthereum(vip *viper.Viper) error {
	c.EthereumNetwork = strings.ToLower(vip.GetString(EthereumNetworkKey))
	if vip.IsSet(EthereumChainIDKey) {
		c.ChainID = new(big.Int).SetUint64(vip.GetUint64(EthereumChainIDKey))
	} else if id, ok := chainIDs[c.EthereumNetwork]; ok {
		c.ChainID = big.NewInt(id)
	} else {
		return ErrInvalidEthereumNetwork
	}

	c.EthereumRPC = vip.GetString(EthereumRPCKey)
	if !isURL(c.EthereumRPC) {
		return fmt.Errorf("%w: ethereum rpc %s", ErrInvalidURL, c.EthereumRPC)
	}

	address := vip.GetString(EthereumPublicAddressKey)
	if !domain.IsEthereumAddress(address) {
		return ErrInvalidEthereumAddress
	}
	c.EthereumAddress = common.HexToAddress(address)

	if rawKey := vip.GetString(EthereumPrivateKeyKey); rawKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidEthereumKey, err)
		}
		if crypto.PubkeyToAddress(key.PublicKey) != c.EthereumAddress {
			return fmt.Errorf(
				"%w: key does not match address %s", ErrInvalidEthereumKey, address,
			)
		}
		c.EthereumPrivateKey = key
	}
	return nil
}

func (c *Config) parseHTLC(vip *viper.Viper) error {
	address := vip.GetString(HTLCAddressKey)
	if !domain.IsEthereumAddress(address) {
		return fmt.Errorf("%w: bad contract address %q", ErrInvalidHTLC, address)
	}
	c.HTLCAddress = common.HexToAddress(address)

	codeHash := "0x" + strings.TrimPrefix(vip.GetString(HTLCCodeHashKey), "0x")
	rawHash, err := hexutil.Decode(codeHash)
	if err != nil || len(rawHash) != common.HashLength {
		return fmt.Errorf("%w: bad code hash %q", ErrInvalidHTLC, codeHash)
	}
	c.HTLCCodeHash = common.BytesToHash(rawHash)
	c.HTLCStartBlock = vip.GetUint64(HTLCStartBlockKey)
	return nil
}

// MakeDatadir creates the data directory tree if missing.
func (c *Config) MakeDatadir() error {
	if c.DBType == DBBadger {
		if err := makeDirectoryIfNotExists(c.DbDir()); err != nil {
			return err
		}
	}
	return makeDirectoryIfNotExists(filepath.Join(c.Datadir, ProfilerLocation))
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

// isURL accepts absolute http(s) and ws(s) urls, localhost included.
func isURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return true
	default:
		return false
	}
}

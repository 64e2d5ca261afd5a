package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/goliatone/go-print"
	"github.com/goliatone/go-session"
	"github.com/goliatone/go-session/activitymap"
	"github.com/goliatone/go-session/authtest"
	"github.com/goliatone/go-session/storage/redisstore"
	"github.com/goliatone/go-session/storage/sqlstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

var logger *log.Logger

func main() {
	os.Exit(run())
}

func run() int {
	logger = log.New(os.Stderr, "SESSIONCTL : ", log.LstdFlags|log.Lmicroseconds)

	conf, err := loadConfig(".env")
	if err != nil {
		logger.Printf("error: %s", err)
		return 1
	}

	ctx := context.Background()
	cli, cleanup, err := setup(ctx, conf)
	if err != nil {
		logger.Printf("error: %s", err)
		return 1
	}
	defer cleanup()

	cli.ctrl.Rehydrate(ctx)

	err = cli.run(ctx, os.Args)
	if ferr := cli.flush(ctx, conf.GetDuration(keyTimeout)); ferr != nil {
		logger.Printf("error: session writes still pending: %s", ferr)
	}
	if err != nil {
		if err != errHelp {
			logger.Printf("error: %s", err)
		}
		return 1
	}

	if conf.GetBool(keyDebug) {
		cli.dumpMetrics()
	}
	return 0
}

func setup(ctx context.Context, conf *viper.Viper) (*commandLine, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	lgr := &cliLogger{out: logger, debug: conf.GetBool(keyDebug)}

	store, closeStore, err := openStorage(ctx, conf)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, closeStore)

	baseURL := conf.GetString(keyBaseURL)
	signingKey := conf.GetString(keySigningKey)

	if conf.GetBool(keyDemo) {
		srv := authtest.NewServer()
		if err := seedDemoUsers(srv); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		ts := srv.Start()
		closers = append(closers, ts.Close)
		baseURL = ts.URL
		signingKey = string(authtest.DefaultSigningKey)
		lgr.Info("demo backend listening on %s", ts.URL)
	}

	var codecOpts []session.CodecOption
	codecOpts = append(codecOpts, session.WithCodecLogger(lgr))
	if signingKey != "" {
		codecOpts = append(codecOpts, session.WithSigningKey(session.SigningKey{
			JWTAlg: "HS256",
			Key:    []byte(signingKey),
		}))
	}
	if jwksURL := conf.GetString(keyJWKSURL); jwksURL != "" {
		codecOpts = append(codecOpts, session.WithJWKSetURL(jwksURL))
	}
	codec, err := session.NewCodec(codecOpts...)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	closers = append(closers, codec.Close)

	registry := prometheus.NewRegistry()
	metrics, err := session.NewMetrics(registry)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	opts := []session.ControllerOption{
		session.WithLogger(lgr),
		session.WithCodec(codec),
		session.WithMetrics(metrics),
		session.WithTimeout(conf.GetDuration(keyTimeout)),
		session.WithActivitySink(activitymap.Sink(func(_ context.Context, n activitymap.Normalized) error {
			lgr.Debug("activity %s", print.MaybePrettyJSON(n))
			return nil
		})),
	}
	if r := conf.GetFloat64(keySubmitRate); r > 0 {
		opts = append(opts, session.WithSubmitLimiter(rate.NewLimiter(rate.Limit(r), 1)))
	}

	backend := session.NewHTTPBackend(baseURL)
	ctrl := session.NewController(backend, store, opts...)

	cli := &commandLine{
		ctrl:      ctrl,
		registry:  registry,
		elevation: conf.GetBool(keyElevation),
		out:       os.Stdout,
	}
	return cli, cleanup, nil
}

func openStorage(ctx context.Context, conf *viper.Viper) (session.Storage, func(), error) {
	switch conf.GetString(keyStorage) {
	case storageSQLite:
		db, err := sqlstore.OpenSQLite(conf.GetString(keyDSN))
		if err != nil {
			return nil, func() {}, fmt.Errorf("open sqlite: %w", err)
		}
		store := sqlstore.New(db, sqlstore.WithNamespace(conf.GetString(keyNamespace)))
		if err := store.CreateTable(ctx); err != nil {
			db.Close()
			return nil, func() {}, fmt.Errorf("create session table: %w", err)
		}
		return store, func() { db.Close() }, nil
	case storageRedis:
		client := redis.NewClient(&redis.Options{Addr: conf.GetString(keyRedisAddr)})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, func() {}, fmt.Errorf("ping redis %s: %w", conf.GetString(keyRedisAddr), err)
		}
		store := redisstore.New(client,
			redisstore.WithPrefix(conf.GetString(keyRedisPrefix)),
			redisstore.WithTTL(conf.GetDuration(keyRedisTTL)),
		)
		return store, func() { client.Close() }, nil
	default:
		return session.NewMemoryStorage(), func() {}, nil
	}
}

// demo accounts, one per registrable role plus an admin
var demoUsers = []struct {
	username string
	role     session.Role
}{
	{"admin", session.RoleAdmin},
	{"parent1", session.RoleParent},
	{"student1", session.RoleStudent},
	{"tutor1", session.RoleTutor},
}

const demoPassword = "Passw0rd!"

func seedDemoUsers(srv *authtest.Server) error {
	for _, u := range demoUsers {
		if _, err := srv.AddUser(u.username, demoPassword, u.role.String()); err != nil {
			return fmt.Errorf("seed %s: %w", u.username, err)
		}
	}
	return nil
}

type cliLogger struct {
	out   *log.Logger
	debug bool
}

func (l *cliLogger) Debug(format string, args ...any) {
	if l.debug {
		l.out.Printf("[DBG] "+format, args...)
	}
}

func (l *cliLogger) Info(format string, args ...any) {
	l.out.Printf("[INF] "+format, args...)
}

func (l *cliLogger) Warn(format string, args ...any) {
	l.out.Printf("[WRN] "+format, args...)
}

func (l *cliLogger) Error(format string, args ...any) {
	l.out.Printf("[ERR] "+format, args...)
}

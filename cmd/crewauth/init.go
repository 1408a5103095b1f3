package main

import (
	"context"
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crewvar/crewauth/internal/identity"
	idmongo "github.com/crewvar/crewauth/internal/identity/mongodb"
	"github.com/crewvar/crewauth/internal/mailer"
	"github.com/crewvar/crewauth/internal/mailer/pinpoint"
	"github.com/crewvar/crewauth/internal/mailer/smtp"
	"github.com/crewvar/crewauth/internal/mailer/webhook"
	"github.com/crewvar/crewauth/internal/store"
	"github.com/crewvar/crewauth/internal/store/mongodb"
	"github.com/crewvar/crewauth/internal/store/redis"
)

type mailTpls struct {
	subject *template.Template
	body    *template.Template
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, c := range cFiles {
		log.Printf("reading config: %s", c)
		if err := ko.Load(file.Provider(c), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}
	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("CREWAUTH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CREWAUTH_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(level string) logf.Logger {
	opts := logf.Opts{
		EnableCaller: true,
		EnableColor:  ko.Bool("app.log_color"),
	}
	switch level {
	case "debug":
		opts.Level = logf.DebugLevel
	case "warn":
		opts.Level = logf.WarnLevel
	case "error":
		opts.Level = logf.ErrorLevel
	default:
		opts.Level = logf.InfoLevel
	}
	return logf.New(opts)
}

// initMongo connects to the MongoDB deployment shared by the document
// store and the identity provider.
func initMongo(ctx context.Context, lo logf.Logger) *mongo.Database {
	uri := ko.MustString("mongodb.uri")
	cl, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		lo.Fatal("error connecting to mongodb", "error", err)
	}
	if err := cl.Ping(ctx, nil); err != nil {
		lo.Fatal("error pinging mongodb", "error", err)
	}
	return cl.Database(ko.String("mongodb.database"))
}

var mongoDB *mongo.Database

// sharedMongo lazily connects once so the store and the identity provider
// reuse the same client.
func sharedMongo(ctx context.Context, lo logf.Logger) *mongo.Database {
	if mongoDB == nil {
		mongoDB = initMongo(ctx, lo)
	}
	return mongoDB
}

func initStore(ctx context.Context, lo logf.Logger) store.Store {
	backend := ko.String("store.backend")
	switch backend {
	case "", "redis":
		var c redis.Conf
		ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"})
		c.Timeout = c.Timeout * time.Second
		c.Retention = c.Retention * time.Second
		lo.Info("using redis store", "host", c.Host, "port", c.Port)
		return redis.New(c)
	case "mongodb":
		st, err := mongodb.New(ctx, sharedMongo(ctx, lo))
		if err != nil {
			lo.Fatal("error initializing mongodb store", "error", err)
		}
		lo.Info("using mongodb store")
		return st
	}

	lo.Fatal("unknown store.backend", "backend", backend)
	return nil
}

func initIdentity(ctx context.Context, lo logf.Logger) identity.Provider {
	secret := ko.MustString("token.secret")
	minter := identity.NewMinter([]byte(secret),
		ko.String("token.issuer"),
		ko.Duration("token.ttl")*time.Second)

	// Verified-e-mail stamping is on unless explicitly disabled.
	verify := true
	if ko.Exists("app.email_verification") {
		verify = ko.Bool("app.email_verification")
	}

	p, err := idmongo.New(ctx, sharedMongo(ctx, lo), minter, idmongo.Conf{
		EmailVerification: verify,
	})
	if err != nil {
		lo.Fatal("error initializing identity provider", "error", err)
	}
	return p
}

func initMailer(lo logf.Logger) mailer.Mailer {
	backend := ko.String("mailer.backend")
	switch backend {
	case "", "smtp":
		var c smtp.Config
		ko.UnmarshalWithConf("mailer.smtp", &c, koanf.UnmarshalConf{Tag: "json"})
		c.Timeout = c.Timeout * time.Second
		m, err := smtp.New(c)
		if err != nil {
			lo.Fatal("error initializing smtp mailer", "error", err)
		}
		lo.Info("using smtp mailer", "host", c.Host)
		return m
	case "webhook":
		var c webhook.Config
		ko.UnmarshalWithConf("mailer.webhook", &c, koanf.UnmarshalConf{Tag: "json"})
		c.Timeout = c.Timeout * time.Second
		m, err := webhook.New(c)
		if err != nil {
			lo.Fatal("error initializing webhook mailer", "error", err)
		}
		lo.Info("using webhook mailer", "url", c.URL)
		return m
	case "pinpoint":
		var c pinpoint.Config
		ko.UnmarshalWithConf("mailer.pinpoint", &c, koanf.UnmarshalConf{Tag: "json"})
		m, err := pinpoint.New(c)
		if err != nil {
			lo.Fatal("error initializing pinpoint mailer", "error", err)
		}
		lo.Info("using pinpoint mailer")
		return m
	}

	lo.Fatal("unknown mailer.backend", "backend", backend)
	return nil
}

// initTemplates loads the e-mail subject and body templates.
func initTemplates(lo logf.Logger) mailTpls {
	var (
		out     mailTpls
		tplFile = ko.String("mailer.template")
		subj    = ko.String("mailer.subject")
	)
	if tplFile != "" {
		tpl, err := template.ParseFiles(tplFile)
		if err != nil {
			lo.Fatal("error parsing mail template", "file", tplFile, "error", err)
		}
		out.body = tpl
	}
	if subj != "" {
		tpl, err := template.New("subject").Parse(subj)
		if err != nil {
			lo.Fatal("error parsing mail subject template", "error", err)
		}
		out.subject = tpl
	}
	return out
}

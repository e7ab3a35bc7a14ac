package main

import (
	"log"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/session"
	"github.com/trezcool/mwalimu/services/analyzer"
	logsvc "github.com/trezcool/mwalimu/services/logger"
	"github.com/trezcool/mwalimu/storage/database"
	sqlxrepos "github.com/trezcool/mwalimu/storage/database/sqlx"
)

var logger *logsvc.RollbarLogger

func main() {
	conf := core.NewConfig()
	logger = logsvc.NewRollbarLogger(
		log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	defer logger.Close()

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)
	defer func() { _ = db.Close() }()

	english := en.New()
	translator, _ := ut.New(english, english).GetTranslator("en")
	validate := validator.New()
	core.InitValidators(validate, translator)
	session.InitValidators(validate, translator)

	// sessions are processed inline: the CLI has no worker queue
	sched := new(inlineScheduler)
	svc := session.NewService(
		sqlxrepos.NewSessionRepository(db),
		analyzer.NewClient(conf.Analyzer.BaseURL, conf.Analyzer.Timeout),
		sched,
		logger,
		validate,
	)

	// start CLI
	cli := commandLine{
		db:    db.DB,
		svc:   svc,
		sched: sched,
		out:   os.Stdout,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Error("admin command failed", err)
		}
		logger.Close()
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
}

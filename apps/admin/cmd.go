package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core/session"
)

var errHelp = errors.New("help provided")

type (
	sessionService interface {
		Process(ctx context.Context, id string) session.Outcome
		RecommendForTeacher(ctx context.Context, teacherID string) (session.TeacherRecommendation, error)
		Recover(ctx context.Context, staleAfter time.Duration) (int, error)
	}

	commandLine struct {
		db    *sql.DB
		svc   sessionService
		sched *inlineScheduler
		out   io.Writer
	}
)

// inlineScheduler collects the sessions to process; the CLI runs them itself.
type inlineScheduler struct {
	mutex sync.Mutex
	ids   []string
}

var _ session.Scheduler = (*inlineScheduler)(nil)

func (s *inlineScheduler) Schedule(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ids = append(s.ids, id)
	return nil
}

// take returns the collected sessions and forgets them.
func (s *inlineScheduler) take() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ids := s.ids
	s.ids = nil
	return ids
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose command (up, down, status, ...) on the database")
	fmt.Fprintln(cli.out, "  process -session ID - process a session now and print the outcome")
	fmt.Fprintln(cli.out, "  recommend -teacher ID - print the training recommendations of a teacher")
	fmt.Fprintln(cli.out, "  recover -stale DURATION - release claims older than DURATION and process every pending session")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	processCmd := flag.NewFlagSet("process", flag.ExitOnError)
	processSession := processCmd.String("session", "", "The id of the session to process.")

	recommendCmd := flag.NewFlagSet("recommend", flag.ExitOnError)
	recommendTeacher := recommendCmd.String("teacher", "", "The id of the teacher.")

	recoverCmd := flag.NewFlagSet("recover", flag.ExitOnError)
	recoverStale := recoverCmd.Duration("stale", 15*time.Minute, "Claims older than this are released.")

	ctx := context.Background()

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "process":
		if err := processCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *processSession == "" {
			processCmd.Usage()
			return errHelp
		}
		cli.process(ctx, *processSession)
		return nil
	case "recommend":
		if err := recommendCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *recommendTeacher == "" {
			recommendCmd.Usage()
			return errHelp
		}
		return cli.recommend(ctx, *recommendTeacher)
	case "recover":
		if err := recoverCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.recover(ctx, *recoverStale)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) process(ctx context.Context, id string) {
	fmt.Fprintf(cli.out, "%s: %s\n", id, cli.svc.Process(ctx, id))
}

func (cli *commandLine) recommend(ctx context.Context, teacherID string) error {
	rec, err := cli.svc.RecommendForTeacher(ctx, teacherID)
	if err != nil {
		return errors.Wrap(err, "recommending modules")
	}
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func (cli *commandLine) recover(ctx context.Context, staleAfter time.Duration) error {
	if _, err := cli.svc.Recover(ctx, staleAfter); err != nil {
		return errors.Wrap(err, "recovering sessions")
	}
	ids := cli.sched.take()
	for _, id := range ids {
		cli.process(ctx, id)
	}
	fmt.Fprintf(cli.out, "%d session(s) processed\n", len(ids))
	return nil
}

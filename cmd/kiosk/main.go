/*
main.go - Trainer kiosk

PURPOSE:
  Terminal version of the trainer kiosk. Lists the trainer's clients,
  filters them and checks them in through a kiosk.Guard, so repeated
  entries behave like repeated taps on the real kiosk.

COMMANDS:
  list              Show the roster
  search <text>     Filter by name, email or phone
  refresh           Reload the roster from the server
  <n> | <client-id> Check in the n-th listed client or the client by ID
  quit              Exit

COMMAND-LINE FLAGS:
  -server   API base URL (default http://localhost:8080)
  -trainer  Trainer ID (default trainer-demo)
  -locale   Message language, en or es (default en)
  -timeout  Per-request timeout (default 10s)
  -cooldown Local duplicate window when the server does not report one
            (default 30s)

EXAMPLES:
  ./kiosk -trainer=trainer-demo -locale=es
*/
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/kiosk"
	"github.com/warp/checkin-engine/ledger"
	"github.com/warp/checkin-engine/logging"
)

type session struct {
	client  *kiosk.Client
	guard   *kiosk.Guard
	trainer ledger.TrainerID
	roster  kiosk.Roster
	shown   kiosk.Roster
	out     io.Writer
	log     zerolog.Logger
}

func main() {
	server := flag.String("server", "http://localhost:8080", "API base URL")
	trainer := flag.String("trainer", "trainer-demo", "Trainer ID")
	locale := flag.String("locale", "en", "Message language (en, es)")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	cooldown := flag.Duration("cooldown", ledger.DefaultCooldown, "Local duplicate window when the server does not report one")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := logging.New(level, true)

	tag, ok := checkin.ParseLocale(*locale)
	if !ok {
		fmt.Fprintf(os.Stderr, "unsupported locale %q\n", *locale)
		os.Exit(2)
	}

	client := kiosk.NewClient(*server, *timeout)
	client.Locale = tag.String()

	s := &session{
		client:  client,
		guard:   kiosk.NewGuard(client, kiosk.GuardConfig{Cooldown: *cooldown, Locale: tag, Logger: log}),
		trainer: ledger.TrainerID(*trainer),
		out:     os.Stdout,
		log:     log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.refresh(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load roster")
		os.Exit(1)
	}
	s.list()

	if err := s.loop(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("kiosk stopped")
		os.Exit(1)
	}
}

func (s *session) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "quit", "exit":
			return nil
		case "list":
			s.shown = s.roster
			s.list()
		case "search":
			s.shown = s.roster.Search(arg)
			s.list()
		case "refresh":
			if err := s.refresh(ctx); err != nil {
				fmt.Fprintf(s.out, "refresh failed: %v\n", err)
				continue
			}
			s.list()
		default:
			s.checkIn(ctx, line)
		}
	}
}

func (s *session) refresh(ctx context.Context) error {
	roster, err := s.client.ListClients(ctx, s.trainer)
	if err != nil {
		return err
	}
	s.roster = roster
	s.shown = roster
	return nil
}

func (s *session) list() {
	if len(s.shown) == 0 {
		fmt.Fprintln(s.out, "no clients")
		return
	}
	for i, e := range s.shown {
		fmt.Fprintf(s.out, "%2d. %-24s %3d sessions  %s\n", i+1, e.Name, e.RemainingSessions, e.ID)
	}
}

// checkIn resolves target as a list index or a client ID.
func (s *session) checkIn(ctx context.Context, target string) {
	id := ledger.ClientID(target)
	if n, err := strconv.Atoi(target); err == nil {
		if n < 1 || n > len(s.shown) {
			fmt.Fprintf(s.out, "no client #%d\n", n)
			return
		}
		id = s.shown[n-1].ID
	}

	name := string(id)
	if e, ok := s.roster.Find(id); ok {
		name = e.Name
	}

	res, err := s.guard.Submit(ctx, id, s.trainer)
	switch {
	case errors.Is(err, kiosk.ErrInFlight), errors.Is(err, kiosk.ErrDebounced):
		s.log.Debug().Err(err).Str("client_id", string(id)).Msg("submission dropped")
		return
	case err != nil:
		fmt.Fprintf(s.out, "%s: %v\n", name, err)
		return
	}

	if res.Success {
		s.roster.Apply(id, res.RemainingSessions)
		fmt.Fprintf(s.out, "%s: %s (%d left)\n", name, res.Message, res.RemainingSessions)
		return
	}
	fmt.Fprintf(s.out, "%s: %s\n", name, res.Message)
}

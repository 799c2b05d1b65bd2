// canvaspeer joins a meeting's shared canvas from the terminal. It
// negotiates WebRTC data channels with the other participants through the
// server's signaling socket and reads drawing commands from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/orchestra/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/orchestra/internal/adapter/driven/peer/pion"
	"github.com/Wyydra/orchestra/internal/adapter/driven/rpc"
	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server        string
		meetingID     int64
		participantID int64
		stun          []string
		verbose       bool
	)
	flagSet := pflag.NewFlagSet("canvaspeer", pflag.ContinueOnError)
	flagSet.StringVarP(&server, "server", "s", "http://localhost:8080", "orchestra server base url")
	flagSet.Int64VarP(&meetingID, "meeting", "m", 0, "meeting id")
	flagSet.Int64VarP(&participantID, "participant", "p", 0, "participant id")
	flagSet.StringSliceVar(&stun, "stun", nil, "ICE server urls (default: ask the server)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if meetingID <= 0 || participantID <= 0 {
		fmt.Fprint(os.Stderr, flagSet.FlagUsages())
		return errors.New("--meeting and --participant are required")
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	signaling, err := ws.Dial(dialCtx, wsURL(server), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}

	self := domain.ParticipantID(participantID)
	api := rpc.NewClient(server)
	if len(stun) == 0 {
		iceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		stun, err = api.ICEServers(iceCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Could not fetch ICE servers, using host candidates only")
		}
	}
	session := service.NewCanvasSession(service.CanvasSessionConfig{
		MeetingID:     domain.MeetingID(meetingID),
		ParticipantID: self,
		OnOperation: func(op domain.CanvasOperation) {
			fmt.Printf("< %s from %d (%s)\n", op.Type, op.ParticipantID, op.ID)
		},
		OnError: func(peer domain.ParticipantID, err error) {
			log.Warn().Err(err).Str("peer", peer.String()).Msg("Peer error")
		},
		OnConnectivity: func(peer domain.ParticipantID, connected bool) {
			log.Info().Str("peer", peer.String()).Bool("connected", connected).Msg("Peer link")
		},
	}, signaling, pion.NewTransport(self, pion.WithICEServers(stun...)), api, api)

	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println(errUsage)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, session, line); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, session *service.CanvasSession, line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		fmt.Println(err)
		return false
	}

	switch cmd.name {
	case "quit", "exit":
		return true
	case "ops":
		ops, err := session.Sync().Operations(ctx)
		if err != nil {
			fmt.Println(err)
			return false
		}
		for _, op := range ops {
			fmt.Printf("  v%d %s by %d (%s)\n", op.Version, op.Type, op.ParticipantID, op.ID)
		}
		return false
	case "peers":
		peers, err := session.Sync().Peers(ctx)
		if err != nil {
			fmt.Println(err)
			return false
		}
		for _, p := range peers {
			fmt.Printf("  %d %s (%d queued)\n", p.PeerID, p.State, p.Pending)
		}
		return false
	}

	op, err := session.Submit(ctx, cmd.draft)
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		fmt.Println("you do not hold the token")
	case errors.Is(err, domain.ErrTransientIO) && op.ID != "":
		fmt.Printf("> %s sent, not saved: %v\n", op.ID, err)
	case err != nil:
		fmt.Println(err)
	default:
		fmt.Printf("> %s #%d\n", op.ID, op.SequenceNumber)
	}
	return false
}
